package engine

const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config holds sandbox engine configuration.
type Config struct {
	Backend string
	// HelperPath points at the sandbox-init binary. Empty runs programs
	// directly without rlimits.
	HelperPath     string
	SeccompProfile string
	EnableSeccomp  bool
	EnableCgroup   bool
	CgroupRoot     string
	Docker         DockerConfig
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	Image string
	// Host overrides DOCKER_HOST when set.
	Host string
	CPUs float64
	// User is the uid:gid the program runs as inside the container.
	User string
	// PullImage pulls Image on first use when it is missing locally.
	PullImage bool
}
