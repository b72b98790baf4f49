package types

import "time"

// ModelView is one entry of GET /models/.
type ModelView struct {
	// Registry model id.
	// example: id_tt-metal-Llama-3.2-1B-Instruct-v0.0.1
	ID string `json:"id" example:"id_tt-metal-Llama-3.2-1B-Instruct-v0.0.1"`
	// Human-friendly name.
	// example: Llama-3.2-1B-Instruct
	Name string `json:"name" example:"Llama-3.2-1B-Instruct"`
	// Whether the detected board can run this model. Null when the board is unknown.
	IsCompatible *bool `json:"is_compatible"`
	// Device configurations the model supports.
	// example: ["N150","N300"]
	CompatibleBoards []string `json:"compatible_boards"`
	// Model type tag.
	// example: CHAT
	ModelType string `json:"model_type" example:"CHAT"`
	// Board label detected on this host.
	// example: N150
	CurrentBoard string `json:"current_board" example:"N150"`
}

// CatalogEntry is one entry of GET /catalog/.
type CatalogEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ImageVersion string `json:"image_version"`
	ImagePulled  bool   `json:"image_pulled"`
	ModelType    string `json:"model_type"`
}

// ModelSpecView is the serialized registry entry attached to /deployed/ records.
type ModelSpecView struct {
	ModelID              string   `json:"model_id"`
	ModelName            string   `json:"model_name"`
	HFModelID            string   `json:"hf_model_id,omitempty"`
	ImageVersion         string   `json:"image_version"`
	DeviceConfigurations []string `json:"device_configurations"`
	ModelType            string   `json:"model_type"`
	SetupType            string   `json:"setup_type"`
	ServicePort          int      `json:"service_port"`
	ServiceRoute         string   `json:"service_route"`
	HealthRoute          string   `json:"health_route"`
}

// DeployRecordView is a Deploy Cache entry as exposed by /status/ and /deployed/.
type DeployRecordView struct {
	ContainerID   string              `json:"container_id"`
	ContainerName string              `json:"name"`
	Status        string              `json:"status"`
	Health        string              `json:"health,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	ImageName     string              `json:"image_name"`
	PortBindings  map[string]string   `json:"port_bindings"`
	Networks      map[string][]string `json:"networks"`
	ModelID       string              `json:"model_id"`
	WeightsID     string              `json:"weights_id,omitempty"`
	InternalURL   string              `json:"internal_url"`
	HealthURL     string              `json:"health_url"`
	ModelSpec     *ModelSpecView      `json:"model_impl,omitempty"`
}

// LifecycleRecordView is one row of GET /deployment-history/.
type LifecycleRecordView struct {
	ContainerID     string     `json:"container_id"`
	ContainerName   string     `json:"container_name"`
	ModelName       string     `json:"model_name"`
	Device          string     `json:"device"`
	DeployedAt      time.Time  `json:"deployed_at"`
	StoppedAt       *time.Time `json:"stopped_at"`
	Status          string     `json:"status"`
	StoppedByUser   bool       `json:"stopped_by_user"`
	Port            int        `json:"port"`
	WorkflowLogPath string     `json:"workflow_log_path,omitempty"`
}

// BoardInfo is returned by GET /board-info/.
type BoardInfo struct {
	// example: N150X4
	Type string `json:"type" example:"N150X4"`
	// example: 4x n150 (Wormhole)
	Name string `json:"name" example:"4x n150 (Wormhole)"`
}

// DeviceResources is the per-device telemetry reported by /system-resources/.
type DeviceResources struct {
	Index       int     `json:"index"`
	BoardType   string  `json:"board_type"`
	BusID       string  `json:"bus_id,omitempty"`
	Temperature float64 `json:"temperature"`
	Power       float64 `json:"power"`
	Voltage     float64 `json:"voltage"`
	AIClock     float64 `json:"aiclk"`
	Status      string  `json:"status"`
}

// HostInfo summarizes the host machine.
type HostInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform"`
	KernelVersion string  `json:"kernel_version"`
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	Driver        string  `json:"driver,omitempty"`
}

// SystemResources is returned by GET /system-resources/.
type SystemResources struct {
	Timestamp      time.Time         `json:"timestamp"`
	HostInfo       HostInfo          `json:"host_info"`
	Devices        []DeviceResources `json:"devices"`
	BoardName      string            `json:"board_name"`
	HardwareStatus string            `json:"hardware_status"`
}

// LlmInfo is the agent's view of a discovered model container.
type LlmInfo struct {
	DeployID      string `json:"deploy_id"`
	ContainerName string `json:"container_name"`
	InternalURL   string `json:"internal_url"`
	HealthURL     string `json:"health_url"`
	ModelName     string `json:"model_name"`
	ModelType     string `json:"model_type"`
	HealthStatus  string `json:"health_status"`
}
