package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName        = "alertbridge"
	defaultShutdownTimeoutSec = 10
	defaultHTTPListen         = ":8080"
	defaultPathPrefix         = "/prom-alerts"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultMetricsPath        = "/metrics"
	defaultMaxBodyBytes       = 2 << 20
	defaultParallelism        = 8
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSIngestStream   = "ALERTBRIDGE_WEBHOOKS"
	defaultNATSIngestSubject  = "alertbridge.webhooks"
	defaultNATSIngestConsumer = "alertbridge-ingest"
	defaultNATSIngestGroup    = "alertbridge-workers"
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 256
	defaultStateBucket        = "alertbridge_records"
	defaultStateIndexBucket   = "alertbridge_messages"
	defaultRetentionSec       = 7 * 24 * 3600
	defaultPurgeIntervalSec   = 3600
	defaultSQLMaxOpenConns    = 4
	defaultRedisAddr          = "127.0.0.1:6379"
	defaultRedisKeyPrefix     = "alertbridge:"
	defaultReactionWorkers    = 4
	defaultSendClaimTTLSec    = 60
	defaultChatTimeoutSec     = 10
	defaultMatrixSyncSec      = 30
	defaultTelegramAPIBase    = "https://api.telegram.org"

	// StateBackendMemory keeps records in process memory.
	StateBackendMemory = "memory"
	// StateBackendNATS keeps records in JetStream KV buckets.
	StateBackendNATS = "nats"
	// StateBackendSQL keeps records in SQLite or PostgreSQL.
	StateBackendSQL = "sql"
	// StateBackendRedis keeps records in Redis.
	StateBackendRedis = "redis"

	// ChatBackendTelegram identifies Telegram Bot API transport.
	ChatBackendTelegram = "telegram"
	// ChatBackendMattermost identifies Mattermost REST/websocket transport.
	ChatBackendMattermost = "mattermost"
	// ChatBackendMatrix identifies Matrix client-server transport.
	ChatBackendMatrix = "matrix"
)

var (
	defaultAckReactions     = []string{"👀", "👍", "eyes", "+1"}
	defaultResolveReactions = []string{"✅", "white_check_mark", "heavy_check_mark", "✔️", "👌"}
	labelNamePattern        = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	knownSections           = []string{"service", "log", "webhook", "rooms", "identity", "render", "state", "chat"}
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service  ServiceConfig     `toml:"service"`
	Log      LogConfig         `toml:"log"`
	Webhook  WebhookConfig     `toml:"webhook"`
	Rooms    map[string]string `toml:"rooms"`
	Identity IdentityConfig    `toml:"identity"`
	Render   RenderConfig      `toml:"render"`
	State    StateConfig       `toml:"state"`
	Chat     ChatConfig        `toml:"chat"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name               string `toml:"name"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// WebhookConfig configures the Alertmanager webhook endpoint and probes.
// Params: listen address, route prefix, body limit and batch parallelism.
// Returns: HTTP ingest behavior.
type WebhookConfig struct {
	Listen       string           `toml:"listen"`
	PathPrefix   string           `toml:"path_prefix"`
	HealthPath   string           `toml:"health_path"`
	ReadyPath    string           `toml:"ready_path"`
	MetricsPath  string           `toml:"metrics_path"`
	MaxBodyBytes int64            `toml:"max_body_bytes"`
	Parallelism  int              `toml:"parallelism"`
	StrictRooms  bool             `toml:"strict_rooms"`
	NATS         NATSIngestConfig `toml:"nats"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion of webhook bodies.
// Params: connection, stream routing and ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled           bool     `toml:"enabled"`
	URL               []string `toml:"url"`
	Stream            string   `toml:"stream"`
	Subject           string   `toml:"subject"`
	Consumer          string   `toml:"consumer"`
	DeliverGroup      string   `toml:"deliver_group"`
	AckWaitSec        int      `toml:"ack_wait_sec"`
	NackDelayMS       int      `toml:"nack_delay_ms"`
	MaxDeliver        int      `toml:"max_deliver"`
	MaxAckPending     int      `toml:"max_ack_pending"`
	AllowCreateStream bool     `toml:"allow_create_stream"`
}

// IdentityConfig lists labels that must be present to derive an alert identity.
type IdentityConfig struct {
	RequiredLabels []string `toml:"required_labels"`
}

// RenderConfig tunes message rendering.
type RenderConfig struct {
	Timezone     string   `toml:"timezone"`
	HiddenLabels []string `toml:"hidden_labels"`
}

// StateConfig selects and configures the record store.
// Params: backend name, retention and per-backend sections.
// Returns: persistence options.
type StateConfig struct {
	Backend              string           `toml:"backend"`
	ResolvedRetentionSec int              `toml:"resolved_retention_sec"`
	PurgeIntervalSec     int              `toml:"purge_interval_sec"`
	NATS                 StateNATSConfig  `toml:"nats"`
	SQL                  StateSQLConfig   `toml:"sql"`
	Redis                StateRedisConfig `toml:"redis"`
}

// StateNATSConfig contains JetStream KV settings for the state backend.
type StateNATSConfig struct {
	URL                []string `toml:"url"`
	Bucket             string   `toml:"bucket"`
	IndexBucket        string   `toml:"index_bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// StateSQLConfig contains database/sql settings for the state backend.
type StateSQLConfig struct {
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// StateRedisConfig contains Redis connection settings for the state backend.
type StateRedisConfig struct {
	Addr      string `toml:"addr"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// ChatConfig selects the chat backend and reaction vocabulary.
// Params: backend name, reaction lists, worker count and per-backend sections.
// Returns: chat collaborator options.
type ChatConfig struct {
	Backend          string           `toml:"backend"`
	AckReactions     []string         `toml:"ack_reactions"`
	ResolveReactions []string         `toml:"resolve_reactions"`
	ReactionWorkers  int              `toml:"reaction_workers"`
	SendClaimTTLSec  int              `toml:"send_claim_ttl_sec"`
	Telegram         TelegramConfig   `toml:"telegram"`
	Mattermost       MattermostConfig `toml:"mattermost"`
	Matrix           MatrixConfig     `toml:"matrix"`
}

// TelegramConfig configures Telegram Bot API access.
type TelegramConfig struct {
	BotToken       string `toml:"bot_token"`
	APIBase        string `toml:"api_base"`
	ResolvedMarker string `toml:"resolved_marker"`
}

// MattermostConfig configures Mattermost API access.
type MattermostConfig struct {
	BaseURL        string `toml:"base_url"`
	BotToken       string `toml:"bot_token"`
	ResolvedMarker string `toml:"resolved_marker"`
	TimeoutSec     int    `toml:"timeout_sec"`
}

// MatrixConfig configures Matrix homeserver access.
type MatrixConfig struct {
	Homeserver     string `toml:"homeserver"`
	AccessToken    string `toml:"access_token"`
	UserID         string `toml:"user_id"`
	ResolvedMarker string `toml:"resolved_marker"`
	SyncTimeoutSec int    `toml:"sync_timeout_sec"`
	TimeoutSec     int    `toml:"timeout_sec"`
}

// ShutdownTimeout returns graceful shutdown deadline.
func (c ServiceConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// ResolvedRetention returns how long resolved records are kept.
func (c StateConfig) ResolvedRetention() time.Duration {
	return time.Duration(c.ResolvedRetentionSec) * time.Second
}

// PurgeInterval returns how often resolved records are purged.
func (c StateConfig) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalSec) * time.Second
}

// SendClaimTTL returns how long a fresh send claim blocks a resend.
func (c ChatConfig) SendClaimTTL() time.Duration {
	return time.Duration(c.SendClaimTTLSec) * time.Second
}

// ResolvedMarker returns the reaction the bot adds on webhook resolution.
// Params: none.
// Returns: marker of the selected backend; empty disables the reaction.
func (c ChatConfig) ResolvedMarker() string {
	switch c.Backend {
	case ChatBackendTelegram:
		return c.Telegram.ResolvedMarker
	case ChatBackendMattermost:
		return c.Mattermost.ResolvedMarker
	case ChatBackendMatrix:
		return c.Matrix.ResolvedMarker
	default:
		return ""
	}
}

// Location resolves render.timezone.
// Params: none.
// Returns: location; UTC when timezone is empty.
func (c RenderConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// ConfigSource describes one configuration source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, _, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates one in-memory TOML document.
// Params: TOML body.
// Returns: validated config or decode/validation error.
func Parse(body []byte) (Config, error) {
	cfg, _, err := decode(body)
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode reads one TOML document strictly.
// Params: raw TOML body.
// Returns: config fragment and names of top-level sections present in it.
func decode(body []byte) (Config, map[string]struct{}, error) {
	var cfg Config
	decoder := toml.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, nil, fmt.Errorf("unknown configuration keys:\n%s", strict.String())
		}
		return Config{}, nil, err
	}

	var sections map[string]any
	if err := toml.Unmarshal(body, &sections); err != nil {
		return Config{}, nil, err
	}
	present := make(map[string]struct{}, len(sections))
	for name := range sections {
		present[name] = struct{}{}
	}
	return cfg, present, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config, present sections, or read/decode error.
func loadFile(path string) (Config, map[string]struct{}, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, present, err := decode(body)
	if err != nil {
		return Config{}, nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, present, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, present, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, present)
	}
	return merged, nil
}

// mergeConfig overlays sections present in source onto destination.
// Params: destination config, next fragment and its top-level section names.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, present map[string]struct{}) {
	for _, section := range knownSections {
		if _, ok := present[section]; !ok {
			continue
		}
		switch section {
		case "service":
			dst.Service = src.Service
		case "log":
			dst.Log = src.Log
		case "webhook":
			dst.Webhook = src.Webhook
		case "rooms":
			if dst.Rooms == nil {
				dst.Rooms = make(map[string]string, len(src.Rooms))
			}
			for name, room := range src.Rooms {
				dst.Rooms[name] = room
			}
		case "identity":
			dst.Identity = src.Identity
		case "render":
			dst.Render = src.Render
		case "state":
			dst.State = src.State
		case "chat":
			dst.Chat = src.Chat
		}
	}
}

// applyDefaults fills omitted settings.
// Params: mutable config snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		cfg.Service.ShutdownTimeoutSec = defaultShutdownTimeoutSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	applyWebhookDefaults(&cfg.Webhook)
	applyStateDefaults(&cfg.State)
	applyChatDefaults(&cfg.Chat)
}

func applyWebhookDefaults(webhook *WebhookConfig) {
	if strings.TrimSpace(webhook.Listen) == "" {
		webhook.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(webhook.PathPrefix) == "" {
		webhook.PathPrefix = defaultPathPrefix
	}
	webhook.PathPrefix = "/" + strings.Trim(strings.TrimSpace(webhook.PathPrefix), "/")
	if strings.TrimSpace(webhook.HealthPath) == "" {
		webhook.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(webhook.ReadyPath) == "" {
		webhook.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(webhook.MetricsPath) == "" {
		webhook.MetricsPath = defaultMetricsPath
	}
	if webhook.MaxBodyBytes <= 0 {
		webhook.MaxBodyBytes = defaultMaxBodyBytes
	}
	if webhook.Parallelism <= 0 {
		webhook.Parallelism = defaultParallelism
	}

	nats := &webhook.NATS
	nats.URL = normalizeNATSURLs(nats.URL)
	if len(nats.URL) == 0 {
		nats.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(nats.Stream) == "" {
		nats.Stream = defaultNATSIngestStream
	}
	if strings.TrimSpace(nats.Subject) == "" {
		nats.Subject = defaultNATSIngestSubject
	}
	if strings.TrimSpace(nats.Consumer) == "" {
		nats.Consumer = defaultNATSIngestConsumer
	}
	if strings.TrimSpace(nats.DeliverGroup) == "" {
		nats.DeliverGroup = defaultNATSIngestGroup
	}
	if nats.AckWaitSec <= 0 {
		nats.AckWaitSec = defaultNATSAckWaitSec
	}
	if nats.NackDelayMS <= 0 {
		nats.NackDelayMS = defaultNATSNackDelayMS
	}
	if nats.MaxDeliver == 0 {
		nats.MaxDeliver = defaultNATSMaxDeliver
	}
	if nats.MaxAckPending <= 0 {
		nats.MaxAckPending = defaultNATSMaxAckPending
	}
}

func applyStateDefaults(state *StateConfig) {
	state.Backend = strings.ToLower(strings.TrimSpace(state.Backend))
	if state.Backend == "" {
		state.Backend = StateBackendMemory
	}
	if state.ResolvedRetentionSec <= 0 {
		state.ResolvedRetentionSec = defaultRetentionSec
	}
	if state.PurgeIntervalSec <= 0 {
		state.PurgeIntervalSec = defaultPurgeIntervalSec
	}

	state.NATS.URL = normalizeNATSURLs(state.NATS.URL)
	if len(state.NATS.URL) == 0 {
		state.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(state.NATS.Bucket) == "" {
		state.NATS.Bucket = defaultStateBucket
	}
	if strings.TrimSpace(state.NATS.IndexBucket) == "" {
		state.NATS.IndexBucket = defaultStateIndexBucket
	}

	state.SQL.Driver = strings.ToLower(strings.TrimSpace(state.SQL.Driver))
	if state.SQL.Driver == "" {
		state.SQL.Driver = "sqlite"
	}
	if state.SQL.MaxOpenConns <= 0 {
		state.SQL.MaxOpenConns = defaultSQLMaxOpenConns
	}

	if strings.TrimSpace(state.Redis.Addr) == "" {
		state.Redis.Addr = defaultRedisAddr
	}
	if state.Redis.KeyPrefix == "" {
		state.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
}

func applyChatDefaults(chat *ChatConfig) {
	chat.Backend = strings.ToLower(strings.TrimSpace(chat.Backend))
	if len(chat.AckReactions) == 0 {
		chat.AckReactions = append([]string(nil), defaultAckReactions...)
	}
	if len(chat.ResolveReactions) == 0 {
		chat.ResolveReactions = append([]string(nil), defaultResolveReactions...)
	}
	if chat.ReactionWorkers <= 0 {
		chat.ReactionWorkers = defaultReactionWorkers
	}
	if chat.SendClaimTTLSec <= 0 {
		chat.SendClaimTTLSec = defaultSendClaimTTLSec
	}

	if strings.TrimSpace(chat.Telegram.APIBase) == "" {
		chat.Telegram.APIBase = defaultTelegramAPIBase
	}
	if chat.Mattermost.TimeoutSec <= 0 {
		chat.Mattermost.TimeoutSec = defaultChatTimeoutSec
	}
	if chat.Matrix.TimeoutSec <= 0 {
		chat.Matrix.TimeoutSec = defaultChatTimeoutSec
	}
	if chat.Matrix.SyncTimeoutSec <= 0 {
		chat.Matrix.SyncTimeoutSec = defaultMatrixSyncSec
	}
}

// validateConfig checks cross-field constraints.
// Params: config snapshot with defaults applied.
// Returns: first validation error naming the offending key.
func validateConfig(cfg Config) error {
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if err := validateWebhook(cfg.Webhook); err != nil {
		return err
	}
	for name, room := range cfg.Rooms {
		if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
			return fmt.Errorf("rooms.%s: room alias must be non-empty and must not contain '/'", name)
		}
		if strings.TrimSpace(room) == "" {
			return fmt.Errorf("rooms.%s must not be empty", name)
		}
	}
	for i, label := range cfg.Identity.RequiredLabels {
		if !labelNamePattern.MatchString(label) {
			return fmt.Errorf("identity.required_labels[%d] has invalid label name %q", i, label)
		}
	}
	if _, err := cfg.Render.Location(); err != nil {
		return fmt.Errorf("render.timezone is invalid: %w", err)
	}
	if err := validateState(cfg.State); err != nil {
		return err
	}
	return validateChat(cfg.Chat)
}

func validateWebhook(webhook WebhookConfig) error {
	if strings.TrimSpace(webhook.Listen) == "" {
		return errors.New("webhook.listen is required")
	}
	if webhook.PathPrefix == "/" {
		return errors.New("webhook.path_prefix must not be the root path")
	}
	paths := map[string]string{
		"webhook.health_path":  webhook.HealthPath,
		"webhook.ready_path":   webhook.ReadyPath,
		"webhook.metrics_path": webhook.MetricsPath,
	}
	for _, key := range []string{"webhook.health_path", "webhook.ready_path", "webhook.metrics_path"} {
		path := paths[key]
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/'", key)
		}
		if strings.HasPrefix(path+"/", webhook.PathPrefix+"/") {
			return fmt.Errorf("%s must not be under webhook.path_prefix", key)
		}
	}
	if !webhook.NATS.Enabled {
		return nil
	}
	for i, url := range webhook.NATS.URL {
		if url == "" {
			return fmt.Errorf("webhook.nats.url[%d] must not be empty", i)
		}
	}
	if webhook.NATS.MaxDeliver < -1 {
		return errors.New("webhook.nats.max_deliver must be -1 or >0")
	}
	return nil
}

func validateState(state StateConfig) error {
	switch state.Backend {
	case StateBackendMemory:
	case StateBackendNATS:
		for i, url := range state.NATS.URL {
			if url == "" {
				return fmt.Errorf("state.nats.url[%d] must not be empty", i)
			}
		}
		if state.NATS.Bucket == state.NATS.IndexBucket {
			return errors.New("state.nats.bucket and state.nats.index_bucket must differ")
		}
	case StateBackendSQL:
		switch state.SQL.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("state.sql.driver has unsupported value %q", state.SQL.Driver)
		}
		if strings.TrimSpace(state.SQL.DSN) == "" {
			return errors.New("state.sql.dsn is required when state.backend=sql")
		}
	case StateBackendRedis:
		if state.Redis.DB < 0 {
			return errors.New("state.redis.db must be >=0")
		}
	default:
		return fmt.Errorf("state.backend has unsupported value %q", state.Backend)
	}
	return nil
}

func validateChat(chat ChatConfig) error {
	switch chat.Backend {
	case "":
		return errors.New("chat.backend is required")
	case ChatBackendTelegram:
		if strings.TrimSpace(chat.Telegram.BotToken) == "" {
			return errors.New("chat.telegram.bot_token is required when chat.backend=telegram")
		}
	case ChatBackendMattermost:
		if strings.TrimSpace(chat.Mattermost.BaseURL) == "" {
			return errors.New("chat.mattermost.base_url is required when chat.backend=mattermost")
		}
		if strings.TrimSpace(chat.Mattermost.BotToken) == "" {
			return errors.New("chat.mattermost.bot_token is required when chat.backend=mattermost")
		}
	case ChatBackendMatrix:
		if strings.TrimSpace(chat.Matrix.Homeserver) == "" {
			return errors.New("chat.matrix.homeserver is required when chat.backend=matrix")
		}
		if strings.TrimSpace(chat.Matrix.AccessToken) == "" {
			return errors.New("chat.matrix.access_token is required when chat.backend=matrix")
		}
		if strings.TrimSpace(chat.Matrix.UserID) == "" {
			return errors.New("chat.matrix.user_id is required when chat.backend=matrix")
		}
	default:
		return fmt.Errorf("chat.backend has unsupported value %q", chat.Backend)
	}
	for i, key := range chat.AckReactions {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("chat.ack_reactions[%d] must not be empty", i)
		}
	}
	for i, key := range chat.ResolveReactions {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("chat.resolve_reactions[%d] must not be empty", i)
		}
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
