package nodeagent

// Response is the envelope every node agent endpoint returns
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CreateWorkspaceRequest asks the agent to create a workspace
type CreateWorkspaceRequest struct {
	WorkspaceID   string `json:"workspaceId"`
	TaskID        string `json:"taskId"`
	Repository    string `json:"repository"`
	Branch        string `json:"branch"`
	OutputBranch  string `json:"outputBranch"`
	CallbackToken string `json:"callbackToken"`
}

// StartAgentSessionRequest starts the coding agent inside a workspace
type StartAgentSessionRequest struct {
	AgentType     string `json:"agentType"`
	InitialPrompt string `json:"initialPrompt"`
}

// Workspace statuses reported by the agent
const (
	WorkspaceStatusCreating = "creating"
	WorkspaceStatusRunning  = "running"
	WorkspaceStatusError    = "error"
)

// WorkspaceResponse is the agent's view of one workspace
type WorkspaceResponse struct {
	Response
	Data struct {
		WorkspaceID string `json:"workspaceId"`
		Status      string `json:"status"`
		LastError   string `json:"lastError,omitempty"`
	} `json:"data"`
}

// HealthStatusOK is the status of an agent ready to accept workspaces
const HealthStatusOK = "ok"

// Health is the payload of the agent health endpoint
type Health struct {
	Status             string   `json:"status"`
	Version            string   `json:"version"`
	CPUUsagePercent    *float64 `json:"cpuUsagePercent,omitempty"`
	MemoryUsagePercent *float64 `json:"memoryUsagePercent,omitempty"`
	Workspaces         int      `json:"workspaces"`
}

// HealthResponse wraps Health
type HealthResponse struct {
	Response
	Data Health `json:"data"`
}
