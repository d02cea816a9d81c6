package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/finsim/finsim/internal/core/engine"
	"github.com/finsim/finsim/internal/core/iso8583"
	"github.com/finsim/finsim/internal/core/rules"
	"github.com/finsim/finsim/internal/observability/log"
)

// fileConfig is the YAML shape of the simulator configuration file.
type fileConfig struct {
	Host        string `yaml:"host"`
	ReceivePort int    `yaml:"receive_port"`
	SendPort    int    `yaml:"send_port"`

	Header iso8583.HeaderConfig `yaml:"header"`

	RoutingField int    `yaml:"routing_field"`
	Mode         string `yaml:"mode"`

	DefaultResponseCode   string `yaml:"default_response_code"`
	ValidationFailureCode string `yaml:"validation_failure_code"`
	ResponseDelayMs       int    `yaml:"response_delay_ms"`
	PassiveWaitMs         int    `yaml:"passive_wait_ms"`
	ActiveTimeoutMs       int    `yaml:"active_timeout_ms"`

	// Rule text in the driver formats: a line DSL or JSON for validation,
	// "processingCode:responseCode;..." or JSON for response rules, and
	// "field:value;..." for overrides. ValidationRulesFile points at a
	// .json, .yaml or DSL file and takes precedence over inline text.
	ValidationRules     string `yaml:"validation_rules"`
	ValidationRulesFile string `yaml:"validation_rules_file"`
	ResponseRules       string `yaml:"response_rules"`
	FieldOverrides      string `yaml:"field_overrides"`

	Active struct {
		Kind      string         `yaml:"kind"`
		Target    string         `yaml:"target"`
		Broadcast bool           `yaml:"broadcast"`
		MTI       string         `yaml:"mti"`
		Fields    map[int]string `yaml:"fields"`
	} `yaml:"active"`
}

func main() {
	configPath := flag.String("config", "simulator.yaml", "path to simulator config")
	cyclePause := flag.Duration("cycle-pause", time.Second, "pause between sampling cycles")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// A .env file may override listener ports for local runs; absence is fine.
	_ = godotenv.Load()

	level := log.LevelInfo
	if *debug {
		level = log.LevelDebug
	}
	logger := log.New(level)

	config, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("config load failed", log.Error(err))
		os.Exit(1)
	}

	eng, err := engine.New(config, logger)
	if err != nil {
		logger.Error("engine build failed", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start failed", log.Error(err))
		os.Exit(1)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			outcome := eng.RunCycle(ctx)
			logCycle(logger, outcome)
			select {
			case <-time.After(*cyclePause):
			case <-ctx.Done():
				return
			}
		}
	}()

	<-stopCh
	cancel()
	if err := eng.Shutdown(); err != nil {
		logger.Error("engine stop failed", log.Error(err))
	}
}

func logCycle(logger log.Log, outcome engine.CycleOutcome) {
	fields := []log.Field{
		log.String("mode", outcome.Mode.String()),
		log.Bool("success", outcome.Success),
		log.Uint64("messages_received", outcome.Stats.MessagesReceived),
		log.Uint64("messages_sent", outcome.Stats.MessagesSent),
	}
	if outcome.Passive != nil {
		fields = append(fields, log.Bool("passive_received", outcome.Passive.Received))
		if outcome.Passive.Err != nil {
			fields = append(fields, log.Any("passive_error", outcome.Passive.Err.Error()))
		}
	}
	if outcome.Active != nil {
		fields = append(fields, log.Bool("active_sent", outcome.Active.Sent))
		if outcome.Active.Err != nil {
			fields = append(fields, log.Any("active_error", outcome.Active.Err.Error()))
		}
	}
	logger.Info("cycle complete", fields...)
}

func loadConfig(path string) (engine.Config, error) {
	config := engine.DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return config, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var file fileConfig
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return config, fmt.Errorf("parsing %s: %w", path, err)
	}

	if file.Host != "" {
		config.Host = file.Host
	}
	config.ReceivePort = file.ReceivePort
	config.SendPort = file.SendPort
	if file.Header.IncludeLength || file.Header.LengthBytes != 0 {
		config.Header = file.Header
	}
	if file.RoutingField != 0 {
		config.RoutingField = file.RoutingField
	}
	if file.ResponseDelayMs > 0 {
		config.ResponseDelay = time.Duration(file.ResponseDelayMs) * time.Millisecond
	}
	if file.PassiveWaitMs > 0 {
		config.PassiveWait = time.Duration(file.PassiveWaitMs) * time.Millisecond
	}
	if file.ActiveTimeoutMs > 0 {
		config.ActiveTimeout = time.Duration(file.ActiveTimeoutMs) * time.Millisecond
	}
	config.ValidationFailureCode = file.ValidationFailureCode

	if config.Mode, err = engine.ParseMode(file.Mode); err != nil {
		return config, err
	}
	if config.Active.Kind, err = engine.ParseActiveKind(file.Active.Kind); err != nil {
		return config, err
	}
	config.Active.Target = file.Active.Target
	config.Active.Broadcast = file.Active.Broadcast
	config.Active.CustomMTI = file.Active.MTI
	config.Active.CustomFields = file.Active.Fields

	switch {
	case file.ValidationRulesFile != "":
		ruleSet, err := loadRuleFile(file.ValidationRulesFile)
		if err != nil {
			return config, fmt.Errorf("validation rule file: %w", err)
		}
		config.RuleSet = ruleSet
	case file.ValidationRules != "":
		ruleSet, err := parseValidationRules(file.ValidationRules)
		if err != nil {
			return config, fmt.Errorf("validation rules: %w", err)
		}
		config.RuleSet = ruleSet
	}

	codes, err := rules.ParseResponseRules(file.ResponseRules)
	if err != nil {
		return config, fmt.Errorf("response rules: %w", err)
	}
	config.ResponseRules = rules.ResponseRules{
		Codes:   codes,
		Default: file.DefaultResponseCode,
	}

	if file.FieldOverrides != "" {
		if config.Overrides, err = rules.ParseFieldOverrides(file.FieldOverrides); err != nil {
			return config, fmt.Errorf("field overrides: %w", err)
		}
	}

	return config, nil
}

// loadRuleFile reads a rule file, picking the parser by extension; anything
// that is not .json or .yaml is treated as the line DSL.
func loadRuleFile(path string) (*rules.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return rules.LoadRuleSetJSON(bytes.NewReader(data))
	case ".yaml", ".yml":
		return rules.LoadRuleSetYAML(bytes.NewReader(data))
	default:
		return rules.ParseRuleDSL(string(data))
	}
}

// parseValidationRules accepts either the line DSL or a JSON document,
// sniffing the format the way the driver sends it.
func parseValidationRules(text string) (*rules.RuleSet, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		if !json.Valid([]byte(trimmed)) {
			return nil, fmt.Errorf("rule text looks like JSON but does not parse")
		}
		return rules.LoadRuleSetJSON(strings.NewReader(trimmed))
	}
	return rules.ParseRuleDSL(text)
}
