package config

import "time"

// ServerConfig holds runtime configuration for the gallery server.
type ServerConfig struct {
	Environment         string
	Addr                string
	LogLevel            string
	DatabaseURL         string
	MigrationsDir       string
	JWTSecret           string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	EncryptionKey       string
	DockerHost          string
	AppNetworkName      string
	BaseDockerfileDir   string
	WorkspaceRoot       string
	NginxConfigDir      string
	NginxSystemConfigs  []string
	NginxContainerName  string
	PublicBaseURL       string
	TaskWorkers         int
	TaskQueueRedisAddr  string
	TaskQueueRedisPass  string
	TaskQueueRedisDB    int
	TaskQueueName       string
	CloneTimeout        time.Duration
	BuildTimeout        time.Duration
	StartTimeout        time.Duration
	ReloadTimeout       time.Duration
	ReconcileInterval   time.Duration
	DeploymentRetention time.Duration
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
	AdminUsernames      []string
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("GALLERY_ADDR", ":8000"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://gallery:gallery@db:5432/gallery?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:      time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:     time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		EncryptionKey:       GetString("ENCRYPTION_KEY", "supersecuresecret"),
		DockerHost:          GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		AppNetworkName:      GetString("APP_NETWORK_NAME", "openstream-apps"),
		BaseDockerfileDir:   GetString("BASE_DOCKERFILE_DIR", "base_dockerfiles"),
		WorkspaceRoot:       GetString("WORKSPACE_ROOT", "/tmp/openstream/workspaces"),
		NginxConfigDir:      GetString("NGINX_CONFIG_PATH", "/etc/nginx/conf.d"),
		NginxSystemConfigs:  GetStringSlice("NGINX_SYSTEM_CONFIGS", []string{"default.conf", "test.conf", "upstreams.conf"}),
		NginxContainerName:  GetString("NGINX_CONTAINER_NAME", "openstream-nginx"),
		PublicBaseURL:       GetString("PUBLIC_BASE_URL", "http://localhost"),
		TaskWorkers:         GetInt("TASK_WORKERS", 2),
		TaskQueueRedisAddr:  GetString("TASK_QUEUE_REDIS_ADDR", ""),
		TaskQueueRedisPass:  GetString("TASK_QUEUE_REDIS_PASSWORD", ""),
		TaskQueueRedisDB:    GetInt("TASK_QUEUE_REDIS_DB", 0),
		TaskQueueName:       GetString("TASK_QUEUE_NAME", "gallery:tasks"),
		CloneTimeout:        time.Duration(GetInt("GIT_CLONE_TIMEOUT_SECONDS", 120)) * time.Second,
		BuildTimeout:        time.Duration(GetInt("IMAGE_BUILD_TIMEOUT_SECONDS", 1800)) * time.Second,
		StartTimeout:        time.Duration(GetInt("CONTAINER_START_TIMEOUT_SECONDS", 60)) * time.Second,
		ReloadTimeout:       time.Duration(GetInt("NGINX_RELOAD_TIMEOUT_SECONDS", 10)) * time.Second,
		ReconcileInterval:   time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 30)) * time.Second,
		DeploymentRetention: time.Duration(GetInt("DEPLOYMENT_RETENTION_DAYS", 30)) * 24 * time.Hour,
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
		AdminUsernames:      GetStringSlice("ADMIN_USERNAMES", nil),
	}
}
