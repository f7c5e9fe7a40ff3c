package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

const baseSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | ""

#Kind: "number" | "float" | "integer" | "int" | "decimal" | "bool" | "boolean" | "string" | "array" | "double" | ""

#Device: {
	name:         string & !=""
	type?:        "signal" | "motor"
	source:       string & !=""
	read_source?: string
	access?:      "r" | "ro" | "w" | "wo" | "rw" | "x"
	kind?:        #Kind
	description?: string
	sim?: {
		velocity?:  number & >0
		precision?: int & >=0
		units?:     string
		tick?:      #Duration
	}
}

#Config: {
	name?: string
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic" | "disabled" | ""
		format?: "json" | "console" | "text" | ""
		loki?: {
			enabled?: bool
			url?:     string
			labels?: [string]: string
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: "prometheus" | "noop" | ""
		listen?:   string
	}
	connect?: {
		timeout?: #Duration
	}
	providers?: {
		default?: string
		sim?: enabled?: bool
		mqtt?: {
			enabled?:         bool
			broker?:          string
			client_id?:       string
			username?:        string
			password?:        string
			qos?:             int & >=0 & <=2
			retain?:          bool
			keep_alive?:      #Duration
			connect_timeout?: #Duration
			encoding?:        "json" | "string" | ""
			path?:            string
		}
		modbus?: {
			enabled?:       bool
			address?:       string
			unit_id?:       int & >=0 & <=255
			timeout?:       #Duration
			poll_interval?: #Duration
		}
		calc?: {
			enabled?: bool
			inputs?: [...string]
		}
	}
	devices?: [...#Device]
	archive?: {
		enabled?:        bool
		url?:            string
		token?:          string
		org?:            string
		bucket?:         string
		measurement?:    string
		batch_size?:     int & >=0
		flush_interval?: #Duration
		devices?: [...string]
	}
	monitor?: [...string]
	hot_reload?: bool
}
`

var (
	schemaMu sync.RWMutex
	schemas  = make(map[string]string)
)

// RegisterSchema adds a named CUE constraint that every configuration document must
// satisfy in addition to the built-in schema. The source is unified with the document
// as a struct, so it may narrow any field.
func RegisterSchema(name, source string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schema name must not be empty")
	}
	if strings.TrimSpace(source) == "" {
		return errors.New("schema source must not be empty")
	}
	ctx := cuecontext.New()
	if v := ctx.CompileString(source, cue.Filename(name)); v.Err() != nil {
		return fmt.Errorf("compile schema %s: %w", name, v.Err())
	}
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if _, exists := schemas[name]; exists {
		return fmt.Errorf("schema %s already registered", name)
	}
	schemas[name] = source
	return nil
}

// ResetSchemasForTest clears the schema registry.
func ResetSchemasForTest() {
	schemaMu.Lock()
	schemas = make(map[string]string)
	schemaMu.Unlock()
}

func registeredSchemas() []string {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make([]string, 0, len(names))
	for _, name := range names {
		sources = append(sources, schemas[name])
	}
	return sources
}

// ValidateDocument checks a decoded YAML document against the configuration schema.
func ValidateDocument(doc map[string]interface{}) error {
	ctx := cuecontext.New()
	base := ctx.CompileString(baseSchema, cue.Filename("beamio.cue"))
	if base.Err() != nil {
		return fmt.Errorf("compile config schema: %w", base.Err())
	}
	def := base.LookupPath(cue.ParsePath("#Config"))
	if def.Err() != nil {
		return fmt.Errorf("lookup config schema: %w", def.Err())
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	value := ctx.Encode(doc)
	if value.Err() != nil {
		return fmt.Errorf("encode config: %w", value.Err())
	}
	unified := def.Unify(value)
	for i, src := range registeredSchemas() {
		extra := ctx.CompileString(src, cue.Filename(fmt.Sprintf("extension_%d.cue", i)))
		if extra.Err() != nil {
			return fmt.Errorf("compile schema extension: %w", extra.Err())
		}
		unified = unified.Unify(extra)
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config schema: %s", cueerrors.Details(err, nil))
	}
	return nil
}
