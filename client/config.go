package client

import (
	"embed"
	"errors"
	"flag"
	"fmt"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"io"
	"loopharness/logging"
	"os"
	"strings"
)

const (
	ArgUseUniSocketClient = "use-unisocket-client"
	ArgConfigFilePath     = "config-file"
	defaultConfigFilePath = "defaultConfig.yaml"
)

type DefaultConfigPropertyAssigner struct{}

type (
	ConfigPropertyAssigner interface {
		Assign(keyPath string, validate func(string, any) error, assign func(any)) error
	}
	FailedParse struct {
		target  string
		keyPath string
	}
	FailedValueCheck struct {
		reason  string
		keyPath string
	}
)

type (
	fileOpener interface {
		open(string) (io.ReadCloser, error)
	}
	defaultConfigFileOpener      struct{}
	userSuppliedConfigFileOpener struct{}
)

var (
	ErrFailedParseCommandLineArgs        = errors.New("unable to parse commandline-supplied arguments")
	ErrFailedParseDefaultConfigFile      = errors.New("unable to parse default config file")
	ErrFailedParseUserSuppliedConfigFile = errors.New("unable to parse user-supplied config file")
	ErrKeyPathNotFound                   = errors.New("no config layer provides a value for key path")
)

var (
	d fileOpener = defaultConfigFileOpener{}
	u fileOpener = userSuppliedConfigFileOpener{}
)

type (
	configLayer struct {
		source string
		values map[string]any
	}
	// configLayers is ordered by precedence, highest first.
	configLayers []configLayer
)

const (
	sourceUserSupplied = "user-supplied config file"
	sourceDefault      = "embedded default config file"
)

var (
	commandLineArgs map[string]any
	//go:embed defaultConfig.yaml
	defaultConfigFile embed.FS
	layers            configLayers
	lp                *logging.LogProvider
)

func init() {
	lp = logging.GetLogProviderInstance(ID())
}

func (o defaultConfigFileOpener) open(path string) (io.ReadCloser, error) {

	return defaultConfigFile.Open(path)

}

func (o userSuppliedConfigFileOpener) open(path string) (io.ReadCloser, error) {

	return os.Open(path)

}

func (v FailedParse) Error() string {
	return fmt.Sprintf("%s: failed to parse given value into %s", v.keyPath, v.target)
}

func (v FailedValueCheck) Error() string {
	return fmt.Sprintf("%s: given value failed plausibility check: %s", v.keyPath, v.reason)
}

func ValidateBool(path string, a any) error {
	if _, ok := a.(bool); !ok {
		return FailedParse{"bool", path}
	}
	return nil
}

// ValidateIntAtLeast assembles a validator accepting ints no smaller than min.
func ValidateIntAtLeast(min int) func(string, any) error {
	return func(path string, a any) error {
		i, ok := a.(int)
		if !ok {
			return FailedParse{"int", path}
		}
		if i < min {
			return FailedValueCheck{fmt.Sprintf("expected this number to be at least %d, got %d", min, i), path}
		}
		return nil
	}
}

func ValidateString(path string, a any) error {
	if s, ok := a.(string); !ok {
		return FailedParse{"string", path}
	} else if len(s) == 0 {
		return FailedValueCheck{"expected this string to be non-empty", path}
	}
	return nil
}

// ValidateStringList accepts both a yaml sequence of strings and a single comma-separated string.
func ValidateStringList(path string, a any) error {
	if s, ok := a.(string); ok {
		return ValidateString(path, s)
	}
	l, ok := a.([]any)
	if !ok {
		return FailedParse{"list of strings", path}
	}
	if len(l) == 0 {
		return FailedValueCheck{"expected this list to hold at least one element", path}
	}
	for _, v := range l {
		if err := ValidateString(path, v); err != nil {
			return err
		}
	}
	return nil
}

// ToStringList converts a value previously accepted by ValidateStringList.
func ToStringList(a any) []string {
	if s, ok := a.(string); ok {
		var result []string
		for _, e := range strings.Split(s, ",") {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	var result []string
	for _, v := range a.([]any) {
		result = append(result, v.(string))
	}
	return result
}

// ValidateOneOf assembles a validator accepting only the given strings.
func ValidateOneOf(options ...string) func(string, any) error {
	return func(path string, a any) error {
		if err := ValidateString(path, a); err != nil {
			return err
		}
		for _, o := range options {
			if a == o {
				return nil
			}
		}
		return FailedValueCheck{fmt.Sprintf("expected one of '%s', got '%v'", strings.Join(options, "', '"), a), path}
	}
}

// ParseConfigs reads command line, embedded default and optional user config. User values
// shadow defaults key by key.
func ParseConfigs() error {

	args, err := parseCommandLineArgs(os.Args[1:])
	if err != nil {
		return ErrFailedParseCommandLineArgs
	}
	commandLineArgs = args

	defaults, err := parseDefaultConfigFile(d)
	if err != nil {
		return ErrFailedParseDefaultConfigFile
	}

	userSupplied, err := parseUserSuppliedConfigFile(u, RetrieveArgValue(ArgConfigFilePath).(string))
	if err != nil {
		lp.LogConfigEvent("N/A", "config file", err.Error(), log.ErrorLevel)
		return ErrFailedParseUserSuppliedConfigFile
	}

	layers = configLayers{
		{source: sourceUserSupplied, values: userSupplied},
		{source: sourceDefault, values: defaults},
	}

	return nil

}

func RetrieveArgValue(arg string) any {
	return commandLineArgs[arg]
}

func (a DefaultConfigPropertyAssigner) Assign(keyPath string, validate func(string, any) error, assign func(any)) error {

	value, source, ok := layers.lookup(keyPath)
	if !ok {
		err := fmt.Errorf("%w: '%s'", ErrKeyPathNotFound, keyPath)
		lp.LogErrUponConfigRetrieval(keyPath, err, log.ErrorLevel)
		return err
	}

	lp.LogConfigEvent(keyPath, source, "config value found", log.TraceLevel)

	if err := validate(keyPath, value); err != nil {
		return err
	}
	assign(value)

	return nil

}

// lookup walks the dotted key path through each layer in order and returns the first hit.
func (ls configLayers) lookup(keyPath string) (any, string, bool) {

	for _, l := range ls {
		if v, ok := descend(l.values, strings.Split(keyPath, ".")); ok {
			return v, l.source, true
		}
	}

	return nil, "", false

}

func descend(m map[string]any, path []string) (any, bool) {

	current := any(m)
	for _, element := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = node[element]; !ok {
			return nil, false
		}
	}

	return current, true

}

func parseCommandLineArgs(args []string) (map[string]any, error) {

	flagSet := flag.NewFlagSet("loopharness", flag.ContinueOnError)

	useUniSocketClient := flagSet.Bool(ArgUseUniSocketClient, false, "Use the Hazelcast client in unisocket mode. Only relevant for the hazelcast backend.")
	configFilePath := flagSet.String(ArgConfigFilePath, defaultConfigFilePath, "Path of a yaml file whose values override the embedded defaults.")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	parsed := map[string]any{
		ArgUseUniSocketClient: *useUniSocketClient,
		ArgConfigFilePath:     *configFilePath,
	}
	lp.LogConfigEvent("N/A", "command line", fmt.Sprintf("parsed arguments: %v", parsed), log.InfoLevel)

	return parsed, nil

}

func parseDefaultConfigFile(o fileOpener) (map[string]any, error) {

	return decodeConfigFile(defaultConfigFilePath, o)

}

func parseUserSuppliedConfigFile(o fileOpener, filePath string) (map[string]any, error) {

	if filePath == defaultConfigFilePath {
		lp.LogConfigEvent(ArgConfigFilePath, "command line", "no config file supplied, relying on defaults", log.InfoLevel)
		return map[string]any{}, nil
	}

	return decodeConfigFile(filePath, o)

}

func decodeConfigFile(path string, o fileOpener) (map[string]any, error) {

	r, err := o.open(path)
	if err != nil {
		lp.LogIoEvent(fmt.Sprintf("unable to open config file '%s': %v", path, err), log.ErrorLevel)
		return nil, err
	}
	defer func() {
		if err := r.Close(); err != nil {
			lp.LogIoEvent(fmt.Sprintf("unable to close config file '%s': %v", path, err), log.WarnLevel)
		}
	}()

	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(values); err != nil {
		lp.LogIoEvent(fmt.Sprintf("unable to decode config file '%s': %v", path, err), log.ErrorLevel)
		return nil, err
	}

	return values, nil

}
