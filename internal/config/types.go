package config

// Config is the root configuration for a chime session daemon.
//
// Duration-valued fields are strings parsed with ParseDurationField so the
// file can say "5m" or "250ms" instead of nanosecond integers.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Device    DeviceConfig    `json:"device"`
	Gateway   GatewayConfig   `json:"gateway"`
	Alarm     AlarmConfig     `json:"alarm"`
	Timer     TimerConfig     `json:"timer"`
	Stopwatch StopwatchConfig `json:"stopwatch"`
	Relay     RelayConfig     `json:"relay"`
	Transport TransportConfig `json:"transport"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level   string           `json:"level"`
	Console bool             `json:"console"`
	File    LogFileConfig    `json:"file"`
	Chat    ChatMirrorConfig `json:"chat"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type ChatMirrorConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DeviceConfig carries the environmental signals the capability detector
// classifies. In the browser these come from the runtime; a headless
// session provides them here.
type DeviceConfig struct {
	UserAgent       string `json:"user_agent"`
	TouchPoints     int    `json:"touch_points"`
	ViewportWidth   int    `json:"viewport_width"`
	ViewportHeight  int    `json:"viewport_height"`
	Orientation     string `json:"orientation"` // "portrait" or "landscape"
	Vibrator        bool   `json:"vibrator"`
	BackgroundRelay bool   `json:"background_relay"`
}

type GatewayConfig struct {
	RatePerSec int  `json:"rate_per_sec"`
	Audio      bool `json:"audio"`
}

type AlarmConfig struct {
	SnoozeDelay string `json:"snooze_delay"` // default "5m"
	Timezone    string `json:"timezone"`     // IANA TZ for repeating specs
}

type TimerConfig struct {
	TickInterval string `json:"tick_interval"` // default "1s"
}

type StopwatchConfig struct {
	DisplayInterval string `json:"display_interval"` // default "250ms"
}

type RelayConfig struct {
	Enabled     bool   `json:"enabled"`
	StorePath   string `json:"store_path"` // sqlite shadow store; empty = in-memory only
	BusyTimeout string `json:"busy_timeout"`
	QueueSize   int    `json:"queue_size"`
}

type TransportConfig struct {
	Kind     string         `json:"kind"` // "console" or "telegram"
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	PollTimeout string `json:"poll_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}
