package provisioner

// Server statuses reported by the provider
const (
	ServerStatusInitializing = "initializing"
	ServerStatusRunning      = "running"
	ServerStatusFailed       = "failed"
)

// CreateServerRequest is the provider create payload
type CreateServerRequest struct {
	Name     string            `json:"name"`
	Size     string            `json:"size"`
	Location string            `json:"location"`
	Labels   map[string]string `json:"labels"`
}

// Server is the provider's view of a server
type Server struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	IPv4     string `json:"ipv4"`
	Location string `json:"location"`
}

// ServerResponse wraps a single server
type ServerResponse struct {
	Server Server `json:"server"`
}
