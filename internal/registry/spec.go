package registry

import (
	"strings"

	"ttstudio/pkg/types"
)

// DeviceConfig is a canonical board label a model can be deployed on.
type DeviceConfig string

const (
	N150      DeviceConfig = "N150"
	N300      DeviceConfig = "N300"
	N150X4    DeviceConfig = "N150X4"
	T3K       DeviceConfig = "T3K"
	P100      DeviceConfig = "P100"
	P150      DeviceConfig = "P150"
	P150X4    DeviceConfig = "P150X4"
	P150X8    DeviceConfig = "P150X8"
	P300c     DeviceConfig = "P300c"
	P300cX2   DeviceConfig = "P300cX2"
	P300cX4   DeviceConfig = "P300cX4"
	E150      DeviceConfig = "E150"
	Galaxy    DeviceConfig = "GALAXY"
	GalaxyT3K DeviceConfig = "GALAXY_T3K"
	CPU       DeviceConfig = "CPU"
)

// AllDevices lists the closed set of device configurations in declaration order.
var AllDevices = []DeviceConfig{N150, N300, N150X4, T3K, P100, P150, P150X4, P150X8, P300c, P300cX2, P300cX4, E150, Galaxy, GalaxyT3K, CPU}

// ParseDevice resolves a device configuration name case-insensitively,
// so "N150x4" and "n150X4" both yield N150X4.
func ParseDevice(s string) (DeviceConfig, bool) {
	s = strings.TrimSpace(s)
	for _, d := range AllDevices {
		if strings.EqualFold(string(d), s) {
			return d, true
		}
	}
	return "", false
}

// ModelType tags what kind of workload a model serves.
type ModelType string

const (
	ModelTypeChat              ModelType = "CHAT"
	ModelTypeImageGeneration   ModelType = "IMAGE_GENERATION"
	ModelTypeObjectDetection   ModelType = "OBJECT_DETECTION"
	ModelTypeSpeechRecognition ModelType = "SPEECH_RECOGNITION"
	ModelTypeMock              ModelType = "MOCK"
)

func (t ModelType) valid() bool {
	switch t {
	case ModelTypeChat, ModelTypeImageGeneration, ModelTypeObjectDetection, ModelTypeSpeechRecognition, ModelTypeMock:
		return true
	}
	return false
}

// SetupType describes how a model's host volume is prepared.
type SetupType string

const (
	SetupTTInferenceServer SetupType = "TT_INFERENCE_SERVER"
	SetupMakeVolumes       SetupType = "MAKE_VOLUMES"
	SetupNone              SetupType = "NO_SETUP"
)

func (t SetupType) valid() bool {
	switch t {
	case SetupTTInferenceServer, SetupMakeVolumes, SetupNone:
		return true
	}
	return false
}

const (
	DefaultServicePort = 7000
	DefaultHealthRoute = "/health"
)

// ModelSpec is an immutable model specification.
type ModelSpec struct {
	ModelID              string
	ImplID               string
	ModelName            string
	Version              string
	HFModelID            string
	ImageName            string
	ImageTag             string
	DeviceConfigurations []DeviceConfig
	ModelType            ModelType
	SetupType            SetupType
	ServicePort          int
	ServiceRoute         string
	HealthRoute          string
	StatusRoute          string
	ResultRoute          string
	ShmSize              string
	EnvFile              string

	VolumeName         string
	HostPath           string
	ContainerMountPath string
}

// ImageVersion is "image_name:image_tag".
func (s ModelSpec) ImageVersion() string { return s.ImageName + ":" + s.ImageTag }

// DisplayName is the name used to rank and match models: the HF id when set.
func (s ModelSpec) DisplayName() string {
	if s.HFModelID != "" {
		return s.HFModelID
	}
	return s.ModelName
}

// ContainerName is the sanitized model name containers are renamed to.
func (s ModelSpec) ContainerName() string {
	return strings.NewReplacer("/", "-", `\`, "-").Replace(s.ModelName)
}

// Supports reports whether the model can run on the given board label.
func (s ModelSpec) Supports(board string) bool {
	d, ok := ParseDevice(board)
	if !ok {
		return false
	}
	for _, c := range s.DeviceConfigurations {
		if c == d {
			return true
		}
	}
	return false
}

// DeviceNames returns the device configurations as strings.
func (s ModelSpec) DeviceNames() []string {
	out := make([]string, 0, len(s.DeviceConfigurations))
	for _, d := range s.DeviceConfigurations {
		out = append(out, string(d))
	}
	return out
}

// View serializes the spec for API responses.
func (s ModelSpec) View() *types.ModelSpecView {
	return &types.ModelSpecView{
		ModelID:              s.ModelID,
		ModelName:            s.ModelName,
		HFModelID:            s.HFModelID,
		ImageVersion:         s.ImageVersion(),
		DeviceConfigurations: s.DeviceNames(),
		ModelType:            string(s.ModelType),
		SetupType:            string(s.SetupType),
		ServicePort:          s.ServicePort,
		ServiceRoute:         s.ServiceRoute,
		HealthRoute:          s.HealthRoute,
	}
}
