package mqtt

import (
	"time"

	"github.com/nugget/mailgate/internal/buildinfo"
)

// DeviceInfo is the device block Home Assistant files every mailgate
// sensor under. One mailgate process watching one mailbox is one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is a retained discovery payload for one mailgate sensor.
// State always comes from the shared status document; ValueTemplate
// picks the field.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	ValueTemplate       string     `json:"value_template,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`

	// ExpireAfter is in seconds. Home Assistant shows the sensor as
	// unavailable once no status has arrived for that long, which is
	// how a wedged poll loop becomes visible while the broker still
	// holds "online".
	ExpireAfter int `json:"expire_after,omitempty"`
}

// NewDeviceInfo builds the device block. The identifier is the
// persisted instance ID rather than mqtt.device_name, so renaming the
// device keeps its history in Home Assistant.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{"mailgate_" + instanceID},
		Name:         deviceName,
		Manufacturer: "mailgate",
		Model:        "IMAP notification bridge",
		SWVersion:    buildinfo.Version,
	}
}

// expireSeconds converts a staleness window into expire_after seconds.
// Zero disables expiry.
func expireSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
