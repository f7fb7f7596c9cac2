// Package config reads the process environment once, at startup, into an
// immutable Config passed explicitly down the call graph.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment names. Anything other than "prod" is treated as development.
const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// Auth provider selection.
const (
	AuthDummy = "dummy"
	AuthOIDC  = "oidc"
)

// API holds the HTTP server settings.
type API struct {
	Port int
}

// SecurityContext configures the pod/container security contexts applied to
// the workloads the engine launches. Contexts are read from files under
// Path; the ConfigMap of that name is mounted read-only at Path in every
// launched Job.
type SecurityContext struct {
	InfrastructureEnabled bool
	ExecutorEnabled       bool
	Path                  string
	ConfigMapName         string
}

// K8s holds everything needed to compose and launch workloads on the
// cluster.
type K8s struct {
	Namespace          string
	ServiceAccountName string
	Image              string
	RestartPolicy      string
	ImagePullPolicy    string
	JobTTLSeconds      *int32
	PVCAccessMode      string
	PVCStorageClass    string
	CoreConfigMapName  string
	MongoSecretName    string
	RedisSecretName    string
	S3SecretName       string
	SecurityContext    SecurityContext
}

// Mongo holds the document store connection settings.
type Mongo struct {
	Host        string
	Port        string
	User        string
	Password    string
	Database    string
	MaxPoolSize uint64
}

// URI renders the connection string, with credentials when both are set.
func (m Mongo) URI() string {
	if m.User != "" && m.Password != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%s", m.User, m.Password, m.Host, m.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s", m.Host, m.Port)
}

// Broker holds the message broker connection settings.
type Broker struct {
	Host     string
	Port     string
	Password string
}

// Addr renders the host:port pair.
func (b Broker) Addr() string {
	return b.Host + ":" + b.Port
}

// S3 holds the object store settings shared by every s3:// transfer.
type S3 struct {
	URL             string
	AccessKey       string
	SecretKey       string
	PathStyleAccess bool
}

// OIDC holds the token verification settings for AUTH_TYPE=oidc.
type OIDC struct {
	Issuer       string
	ClientID     string
	ClientSecret string
}

// Config is the immutable snapshot of the process environment.
type Config struct {
	Env      string
	LogLevel string
	AuthType string

	API            API
	K8s            K8s
	Mongo          Mongo
	Broker         Broker
	S3             S3
	OIDC           OIDC
	MonitorTimeout time.Duration
}

// Load reads the environment. Values that only some processes need are not
// required here; the component that needs them validates at construction.
func Load() (Config, error) {
	c := Config{
		Env:      getenv("POIESIS_ENV", EnvDev),
		LogLevel: getenv("LOG_LEVEL", "info"),
		AuthType: getenv("AUTH_TYPE", AuthDummy),
		API: API{
			Port: getenvInt("POIESIS_API_SERVER_PORT", 8000),
		},
		K8s: K8s{
			Namespace:          getenv("POIESIS_K8S_NAMESPACE", "poiesis"),
			ServiceAccountName: os.Getenv("POIESIS_SERVICE_ACCOUNT_NAME"),
			Image:              getenv("POIESIS_IMAGE", "docker.io/jaeaeich/poiesis:latest"),
			RestartPolicy:      getenv("POIESIS_RESTART_POLICY", "Never"),
			ImagePullPolicy:    getenv("POIESIS_IMAGE_PULL_POLICY", "IfNotPresent"),
			JobTTLSeconds:      getenvInt32Ptr("POIESIS_JOB_TTL"),
			PVCAccessMode:      os.Getenv("POIESIS_PVC_ACCESS_MODE"),
			PVCStorageClass:    os.Getenv("POIESIS_PVC_STORAGE_CLASS"),
			CoreConfigMapName:  os.Getenv("POIESIS_CORE_CONFIGMAP_NAME"),
			MongoSecretName:    os.Getenv("POIESIS_MONGO_SECRET_NAME"),
			RedisSecretName:    os.Getenv("POIESIS_REDIS_SECRET_NAME"),
			S3SecretName:       os.Getenv("POIESIS_S3_SECRET_NAME"),
			SecurityContext: SecurityContext{
				InfrastructureEnabled: getenvBool("POIESIS_INFRASTRUCTURE_SECURITY_CONTEXT_ENABLED", true),
				ExecutorEnabled:       getenvBool("POIESIS_EXECUTOR_SECURITY_CONTEXT_ENABLED", true),
				Path:                  os.Getenv("POIESIS_SECURITY_CONTEXT_PATH"),
				ConfigMapName:         os.Getenv("POIESIS_SECURITY_CONTEXT_CONFIGMAP_NAME"),
			},
		},
		Mongo: Mongo{
			Host:        os.Getenv("MONGODB_HOST"),
			Port:        getenv("MONGODB_PORT", "27017"),
			User:        os.Getenv("MONGODB_USER"),
			Password:    os.Getenv("MONGODB_PASSWORD"),
			Database:    getenv("MONGODB_DATABASE", "poiesis"),
			MaxPoolSize: uint64(getenvInt("MONGODB_MAX_POOL_SIZE", 10)),
		},
		Broker: Broker{
			Host:     os.Getenv("MESSAGE_BROKER_HOST"),
			Port:     getenv("MESSAGE_BROKER_PORT", "6379"),
			Password: os.Getenv("MESSAGE_BROKER_PASSWORD"),
		},
		S3: S3{
			URL:             os.Getenv("S3_URL"),
			AccessKey:       os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey:       os.Getenv("AWS_SECRET_ACCESS_KEY"),
			PathStyleAccess: getenvBool("S3_PATH_STYLE_ACCESS", true),
		},
		OIDC: OIDC{
			Issuer:       os.Getenv("OIDC_ISSUER"),
			ClientID:     os.Getenv("OIDC_CLIENT_ID"),
			ClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
		},
		MonitorTimeout: time.Duration(getenvInt("MONITOR_TIMEOUT_SECONDS", 0)) * time.Second,
	}

	switch c.AuthType {
	case AuthDummy:
	case AuthOIDC:
		if c.OIDC.Issuer == "" || c.OIDC.ClientID == "" {
			return Config{}, fmt.Errorf("AUTH_TYPE=oidc requires OIDC_ISSUER and OIDC_CLIENT_ID")
		}
	default:
		return Config{}, fmt.Errorf("unknown AUTH_TYPE: %s", c.AuthType)
	}

	return c, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvInt32Ptr(key string) *int32 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return nil
	}
	n32 := int32(n)
	return &n32
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
