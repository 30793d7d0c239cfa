package identity

import (
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

type Environment string

const (
	EnvironmentLocal      Environment = "local"
	EnvironmentDocker     Environment = "docker"
	EnvironmentKubernetes Environment = "kubernetes"
)

const (
	DefaultServiceName = "websocket-test-service"
	UnknownHost        = "unknown-host"
	UnknownIP          = "unknown-ip"

	serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"
	dockerEnvFile     = "/.dockerenv"
)

// Identity is the resolved identity of this process. It is a value type;
// copies handed out by Resolve are never mutated.
type Identity struct {
	InstanceID  string      `json:"instance_id"`
	Hostname    string      `json:"hostname"`
	ContainerIP string      `json:"container_ip"`
	PodName     string      `json:"pod_name"`
	NodeName    string      `json:"node_name"`
	Namespace   string      `json:"namespace"`
	ServiceName string      `json:"service_name"`
	Environment Environment `json:"environment"`
	DisplayName string      `json:"display_name"`
}

// Signals are the process-level inputs identity is derived from. Any nil
// function is replaced by its OS-backed default.
type Signals struct {
	Hostname    func() (string, error)
	ContainerIP func() (string, error)
	Getenv      func(string) string
	FileExists  func(string) bool
	NewID       func() string
}

// rule maps one environment signal to an environment label.
type rule struct {
	env   Environment
	match func(s Signals) bool
}

// rules are evaluated in order; orchestration signals win over generic
// container signals, which win over local.
var rules = []rule{
	{EnvironmentKubernetes, func(s Signals) bool { return s.Getenv("KUBERNETES_SERVICE_HOST") != "" }},
	{EnvironmentKubernetes, func(s Signals) bool { return s.FileExists(serviceAccountDir) }},
	{EnvironmentDocker, func(s Signals) bool { return s.FileExists(dockerEnvFile) }},
	{EnvironmentDocker, func(s Signals) bool { return s.Getenv("container") != "" }},
}

// Resolve computes the process identity. It never fails: unavailable
// signals fall back to best-effort defaults.
func Resolve(s Signals) Identity {
	s = s.withDefaults()

	id := Identity{
		InstanceID:  s.NewID(),
		Hostname:    hostname(s),
		ContainerIP: containerIP(s),
		PodName:     firstNonEmpty(s.Getenv("POD_NAME"), s.Getenv("HOSTNAME")),
		NodeName:    s.Getenv("NODE_NAME"),
		Namespace:   s.Getenv("POD_NAMESPACE"),
		ServiceName: firstNonEmpty(s.Getenv("SERVICE_NAME"), DefaultServiceName),
		Environment: detectEnvironment(s),
	}
	id.DisplayName = displayName(id)
	return id
}

// Detect resolves the identity of the running process from the OS.
func Detect() Identity {
	return Resolve(Signals{})
}

func (s Signals) withDefaults() Signals {
	if s.Hostname == nil {
		s.Hostname = os.Hostname
	}
	if s.ContainerIP == nil {
		s.ContainerIP = outboundIP
	}
	if s.Getenv == nil {
		s.Getenv = os.Getenv
	}
	if s.FileExists == nil {
		s.FileExists = fileExists
	}
	if s.NewID == nil {
		s.NewID = shortID
	}
	return s
}

func detectEnvironment(s Signals) Environment {
	for _, r := range rules {
		if r.match(s) {
			return r.env
		}
	}
	return EnvironmentLocal
}

func displayName(id Identity) string {
	if id.Hostname != UnknownHost {
		return id.ServiceName + "-" + id.Hostname
	}
	return id.ServiceName + "-" + id.InstanceID
}

func hostname(s Signals) string {
	name, err := s.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return UnknownHost
	}
	return name
}

func containerIP(s Signals) string {
	ip, err := s.ContainerIP()
	if err != nil || ip == "" {
		return UnknownIP
	}
	return ip
}

// outboundIP finds the address of the interface used for outbound traffic.
// Dialing UDP sends no packets; it only asks the kernel to pick a route.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", net.InvalidAddrError("unexpected local address type")
	}
	return addr.IP.String(), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func shortID() string {
	return uuid.NewString()[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
