// Package config loads and maintains the agent's configuration: static
// bootstrap values from the environment and an optional YAML overlay, plus
// the camera/NVR/face-enrollment/school configuration synced down from the
// cloud control plane.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/parikshanai/edge-agent/internal/platform/paths"
)

// CameraType enumerates the known camera placements. Unrecognized values
// from the cloud are preserved verbatim rather than rejected.
type CameraType string

const (
	CameraTypeEntry     CameraType = "ENTRY"
	CameraTypeClassroom CameraType = "CLASSROOM"
	CameraTypeCorridor  CameraType = "CORRIDOR"
	CameraTypeGeneral   CameraType = "GENERAL"
)

// DefaultRTSPTemplate is used to synthesize a stream URL from an NVR
// descriptor when the NVR doesn't specify its own template.
const DefaultRTSPTemplate = "rtsp://{username}:{password}@{ip}:{port}/cam/realmonitor?channel={channel}&subtype=0"

// Camera is a single camera descriptor as synced from the cloud.
type Camera struct {
	ID       int        `yaml:"id" json:"id"`
	Name     string     `yaml:"name" json:"name"`
	Type     CameraType `yaml:"type" json:"type"`
	Location string     `yaml:"location" json:"location"`
	Enabled  bool       `yaml:"enabled" json:"enabled"`
	RTSPURL  string     `yaml:"rtspUrl" json:"rtspUrl"`
	NVRID    *int       `yaml:"nvrId" json:"nvrId"`
	Channel  int        `yaml:"channel" json:"channel"`
}

// NVR is a network video recorder descriptor used to synthesize stream
// URLs for cameras that reference it by id and channel number.
type NVR struct {
	ID           int    `yaml:"id" json:"id"`
	IP           string `yaml:"ip" json:"ip"`
	Port         int    `yaml:"port" json:"port"`
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"password"`
	RTSPTemplate string `yaml:"rtspTemplate" json:"rtspTemplate"`
	Channels     int    `yaml:"totalChannels" json:"totalChannels"`
}

// FaceEncoding is a single enrolled embedding.
type FaceEncoding struct {
	EntityType string
	EntityID   int
	SectionID  *int
	Embedding  [128]float64
}

// SchoolConfig carries feature toggles and normalized thresholds for a
// single site.
type SchoolConfig struct {
	EnableFaceRecognition   bool
	EnableDisciplineAlerts  bool
	EnableAttentionAlerts   bool
	EnableUniformDetection  bool
	AttendanceConfidence    float64 // normalized to [0,1]
	FightConfidence         float64 // normalized to [0,1]
	CrowdingThreshold       int
	RunningThreshold        int
}

// Config is the agent's full working configuration: static bootstrap
// fields plus the latest cloud-synced descriptors.
type Config struct {
	mu sync.RWMutex

	// Static, set once at boot from env/YAML.
	APIURL       string
	AgentID      string
	AgentSecret  string
	SchoolCode   string
	QueueDBPath  string
	LogLevel     string
	ConfigPath   string

	HeartbeatInterval      int // seconds
	ConfigRefreshInterval  int // seconds
	EventBatchSize         int
	EventSyncInterval      int // seconds
	MaxCamerasPerWorker    int
	FrameSkipCount         int
	DetectionIntervalMS    int

	// Dynamic, replaced wholesale on every cloud sync.
	Version       string
	Cameras       []Camera
	NVRs          []NVR
	FaceEncodings []FaceEncoding
	School        SchoolConfig
}

type yamlFile struct {
	Agent struct {
		ID     string `yaml:"id"`
		Secret string `yaml:"secret"`
	} `yaml:"agent"`
	API struct {
		URL string `yaml:"url"`
	} `yaml:"api"`
	Detection struct {
		Face       *bool `yaml:"face"`
		Discipline *bool `yaml:"discipline"`
		Attention  *bool `yaml:"attention"`
		Uniform    *bool `yaml:"uniform"`
	} `yaml:"detection"`
	Thresholds struct {
		FaceConfidence      *float64 `yaml:"faceConfidence"`
		DisciplineConfidence *float64 `yaml:"disciplineConfidence"`
	} `yaml:"thresholds"`
	Performance struct {
		MaxCamerasPerWorker *int `yaml:"maxCamerasPerWorker"`
		FrameSkipCount      *int `yaml:"frameSkipCount"`
		DetectionIntervalMS *int `yaml:"detectionIntervalMs"`
	} `yaml:"performance"`
}

// Load builds a Config from environment variables, overlaid by the
// optional YAML file at customConfigPath (or the resolved default).
func Load(customConfigPath string) (*Config, error) {
	cfg := &Config{
		APIURL:                envOrDefault("PARIKSHAN_API_URL", "https://parikshan.ai"),
		AgentID:               os.Getenv("AGENT_ID"),
		AgentSecret:           os.Getenv("AGENT_SECRET"),
		SchoolCode:            os.Getenv("SCHOOL_CODE"),
		QueueDBPath:           paths.ResolveQueueDBPath(),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		HeartbeatInterval:     30,
		ConfigRefreshInterval: 300,
		EventBatchSize:        50,
		EventSyncInterval:     5,
		MaxCamerasPerWorker:   10,
		FrameSkipCount:        5,
		DetectionIntervalMS:   1000,
		School: SchoolConfig{
			EnableFaceRecognition:  true,
			EnableDisciplineAlerts: true,
			AttendanceConfidence:   0.80,
			FightConfidence:        0.85,
		},
	}

	cfg.ConfigPath = paths.ResolveConfigPath(customConfigPath)
	if err := cfg.loadFromFile(cfg.ConfigPath); err != nil {
		return nil, fmt.Errorf("load config file %s: %w", cfg.ConfigPath, err)
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadFromFile overlays YAML values onto cfg. A missing file is not an
// error — the agent can run on env vars and defaults alone until the
// first cloud sync.
func (c *Config) loadFromFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var f yamlFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.Agent.ID != "" {
		c.AgentID = f.Agent.ID
	}
	if f.Agent.Secret != "" {
		c.AgentSecret = f.Agent.Secret
	}
	if f.API.URL != "" {
		c.APIURL = f.API.URL
	}
	if f.Detection.Face != nil {
		c.School.EnableFaceRecognition = *f.Detection.Face
	}
	if f.Detection.Discipline != nil {
		c.School.EnableDisciplineAlerts = *f.Detection.Discipline
	}
	if f.Detection.Attention != nil {
		c.School.EnableAttentionAlerts = *f.Detection.Attention
	}
	if f.Detection.Uniform != nil {
		c.School.EnableUniformDetection = *f.Detection.Uniform
	}
	if f.Thresholds.FaceConfidence != nil {
		c.School.AttendanceConfidence = *f.Thresholds.FaceConfidence
	}
	if f.Thresholds.DisciplineConfidence != nil {
		c.School.FightConfidence = *f.Thresholds.DisciplineConfidence
	}
	if f.Performance.MaxCamerasPerWorker != nil {
		c.MaxCamerasPerWorker = *f.Performance.MaxCamerasPerWorker
	}
	if f.Performance.FrameSkipCount != nil {
		c.FrameSkipCount = *f.Performance.FrameSkipCount
	}
	if f.Performance.DetectionIntervalMS != nil {
		c.DetectionIntervalMS = *f.Performance.DetectionIntervalMS
	}

	return nil
}

// CloudConfigDocument is the shape returned by CS.GetConfig.
type CloudConfigDocument struct {
	Version       string
	Cameras       []Camera
	NVRs          []NVR
	FaceEncodings []FaceEncoding
	School        RawSchoolConfig
}

// RawSchoolConfig mirrors the wire shape before threshold normalization:
// thresholds arrive as integer percentages in [0,100].
type RawSchoolConfig struct {
	EnableFaceRecognition       bool
	EnableDisciplineAlerts      bool
	EnableAttentionAlerts       bool
	EnableUniformDetection      bool
	AttendanceConfidenceThreshold int
	FightConfidenceThreshold      int
	CrowdingThreshold             int
	RunningThreshold              int
}

// ApplyCloudConfig replaces the dynamic portion of the configuration
// wholesale with a freshly synced document, normalizing thresholds from
// integer percent to [0.0, 1.0] on ingest. Idempotent: applying the same
// document twice yields an equal configuration.
func (c *Config) ApplyCloudConfig(doc CloudConfigDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Version = doc.Version
	c.Cameras = doc.Cameras
	c.NVRs = doc.NVRs
	c.FaceEncodings = doc.FaceEncodings
	c.School = SchoolConfig{
		EnableFaceRecognition:  doc.School.EnableFaceRecognition,
		EnableDisciplineAlerts: doc.School.EnableDisciplineAlerts,
		EnableAttentionAlerts:  doc.School.EnableAttentionAlerts,
		EnableUniformDetection: doc.School.EnableUniformDetection,
		AttendanceConfidence:   float64(doc.School.AttendanceConfidenceThreshold) / 100.0,
		FightConfidence:        float64(doc.School.FightConfidenceThreshold) / 100.0,
		CrowdingThreshold:      doc.School.CrowdingThreshold,
		RunningThreshold:       doc.School.RunningThreshold,
	}
}

// Snapshot returns a read-locked copy of the dynamic fields needed by
// callers that must not hold the config's internal lock across their own
// work (SS reconfiguration, DF construction).
type Snapshot struct {
	Version       string
	Cameras       []Camera
	NVRs          []NVR
	FaceEncodings []FaceEncoding
	School        SchoolConfig
}

func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Version:       c.Version,
		Cameras:       append([]Camera(nil), c.Cameras...),
		NVRs:          append([]NVR(nil), c.NVRs...),
		FaceEncodings: append([]FaceEncoding(nil), c.FaceEncodings...),
		School:        c.School,
	}
}

// nvrByID finds an NVR descriptor by id.
func nvrByID(nvrs []NVR, id int) (NVR, bool) {
	for _, n := range nvrs {
		if n.ID == id {
			return n, true
		}
	}
	return NVR{}, false
}

// ResolveRTSPURL returns the camera's effective stream URL: its own
// rtspUrl if set, otherwise synthesized from its referenced NVR's
// template. Returns empty string if neither is available.
func ResolveRTSPURL(cam Camera, nvrs []NVR) string {
	if cam.RTSPURL != "" {
		return cam.RTSPURL
	}
	if cam.NVRID == nil {
		return ""
	}
	nvr, ok := nvrByID(nvrs, *cam.NVRID)
	if !ok {
		return ""
	}
	tpl := nvr.RTSPTemplate
	if tpl == "" {
		tpl = DefaultRTSPTemplate
	}
	r := strings.NewReplacer(
		"{username}", nvr.Username,
		"{password}", nvr.Password,
		"{ip}", nvr.IP,
		"{port}", fmt.Sprintf("%d", nvr.Port),
		"{channel}", fmt.Sprintf("%d", cam.Channel),
	)
	return r.Replace(tpl)
}

// GetActiveCameras returns the enabled cameras that have a resolvable
// stream URL, given the current NVR list.
func GetActiveCameras(s Snapshot) []Camera {
	active := make([]Camera, 0, len(s.Cameras))
	for _, cam := range s.Cameras {
		if !cam.Enabled {
			continue
		}
		if ResolveRTSPURL(cam, s.NVRs) == "" {
			continue
		}
		active = append(active, cam)
	}
	return active
}
