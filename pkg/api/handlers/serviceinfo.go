package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/core/texam"
	"github.com/jaeaeich/poiesis/pkg/tes"
)

// Version is stamped at build time.
var Version = "0.1.0"

// ServiceInfoHandler serves the unauthenticated service description.
func ServiceInfoHandler(conf config.Config) echo.HandlerFunc {
	info := tes.ServiceInfo{
		ID:   "org.poiesis.tes",
		Name: "Poiesis",
		Type: tes.ServiceType{
			Group:    "org.ga4gh",
			Artifact: "tes",
			Version:  "1.1.0",
		},
		Description: "Task Execution Service backed by a Kubernetes cluster.",
		Organization: tes.ServiceOrganization{
			Name: "Poiesis",
			URL:  "https://github.com/jaeaeich/poiesis",
		},
		DocumentationURL: "https://github.com/jaeaeich/poiesis",
		Environment:      conf.Env,
		Version:          Version,
		Storage: []string{
			"s3 (S3-compatible object stores)",
			"ftp",
			"file (node-local paths)",
			"http/https (inputs only)",
			"inline content (inputs only)",
			fmt.Sprintf("executor stdout/stderr retained up to %d bytes per stream", texam.LogLimit),
		},
	}

	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, info)
	}
}
