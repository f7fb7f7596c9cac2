package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jaeaeich/poiesis/pkg/api/handlers"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build metadata",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("poiesis %s (%s, %s/%s)\n",
				handlers.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
