package playbook

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/healerd/internal/incident"
)

// Common errors for catalog operations.
var (
	ErrEmptyCatalog     = errors.New("catalog defines no playbooks")
	ErrUnknownPlaybook  = errors.New("unknown playbook")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrMissingParameter = errors.New("missing required parameter")
	ErrUnknownParameter = errors.New("unknown parameter")
)

// Default timeouts applied when the catalog omits them.
const (
	DefaultStepTimeout  = 60 * time.Second
	DefaultCheckTimeout = 30 * time.Second
)

// Catalog is the immutable set of loaded playbooks, addressable by name or ID.
type Catalog struct {
	byName map[string]*Playbook
	byID   map[string]*Playbook
	order  []*Playbook
}

// catalogFile is the YAML wire shape. Timeouts are expressed in seconds.
type catalogFile struct {
	Playbooks []playbookFile `koanf:"playbooks"`
}

type playbookFile struct {
	ID            string          `koanf:"id"`
	Name          string          `koanf:"name"`
	Description   string          `koanf:"description"`
	Services      []string        `koanf:"services"`
	Severities    []string        `koanf:"severities"`
	Preconditions []conditionFile `koanf:"preconditions"`
	Parameters    []paramFile     `koanf:"parameters"`
	Steps         []stepFile      `koanf:"steps"`
	Checks        []checkFile     `koanf:"checks"`
}

type stepFile struct {
	ID             string         `koanf:"id"`
	Order          int            `koanf:"order"`
	Action         string         `koanf:"action"`
	Args           map[string]any `koanf:"args"`
	TimeoutSeconds int            `koanf:"timeout_seconds"`
	RollbackAction string         `koanf:"rollback_action"`
	RollbackArgs   map[string]any `koanf:"rollback_args"`
}

type checkFile struct {
	ID             string         `koanf:"id"`
	Name           string         `koanf:"name"`
	Scope          string         `koanf:"scope"`
	StepOrder      int            `koanf:"step_order"`
	Type           string         `koanf:"type"`
	Config         map[string]any `koanf:"config"`
	TimeoutSeconds int            `koanf:"timeout_seconds"`
}

type conditionFile struct {
	Field string `koanf:"field"`
	Op    string `koanf:"op"`
	Value any    `koanf:"value"`
}

type paramFile struct {
	Name     string `koanf:"name"`
	Type     string `koanf:"type"`
	Required bool   `koanf:"required"`
}

// LoadCatalogFile reads and parses a YAML catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return LoadCatalog(data)
}

// LoadCatalog parses and validates a YAML catalog.
func LoadCatalog(data []byte) (*Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}

	var file catalogFile
	if err := k.Unmarshal("", &file); err != nil {
		return nil, fmt.Errorf("unmarshal catalog: %w", err)
	}
	if len(file.Playbooks) == 0 {
		return nil, ErrEmptyCatalog
	}

	playbooks := make([]*Playbook, 0, len(file.Playbooks))
	for i, pf := range file.Playbooks {
		pb, err := buildPlaybook(pf)
		if err != nil {
			return nil, fmt.Errorf("playbook %d (%q): %w", i, pf.Name, err)
		}
		playbooks = append(playbooks, pb)
	}
	return NewCatalog(playbooks...)
}

// NewCatalog assembles a catalog from already-built playbooks, enforcing
// unique names and IDs. Hosts that construct playbooks programmatically use
// this instead of the YAML loader.
func NewCatalog(playbooks ...*Playbook) (*Catalog, error) {
	if len(playbooks) == 0 {
		return nil, ErrEmptyCatalog
	}
	cat := &Catalog{
		byName: make(map[string]*Playbook, len(playbooks)),
		byID:   make(map[string]*Playbook, len(playbooks)),
	}
	for _, pb := range playbooks {
		if pb.Name == "" {
			return nil, errors.New("playbook name is required")
		}
		if pb.ID == "" {
			pb.ID = pb.Name
		}
		if _, dup := cat.byName[pb.Name]; dup {
			return nil, fmt.Errorf("duplicate playbook name %q", pb.Name)
		}
		if _, dup := cat.byID[pb.ID]; dup {
			return nil, fmt.Errorf("duplicate playbook id %q", pb.ID)
		}
		cat.byName[pb.Name] = pb
		cat.byID[pb.ID] = pb
		cat.order = append(cat.order, pb)
	}
	return cat, nil
}

func buildPlaybook(pf playbookFile) (*Playbook, error) {
	if pf.Name == "" {
		return nil, errors.New("name is required")
	}
	if pf.ID == "" {
		pf.ID = pf.Name
	}
	if len(pf.Steps) == 0 {
		return nil, errors.New("at least one step is required")
	}

	pb := &Playbook{
		ID:          pf.ID,
		Name:        pf.Name,
		Description: pf.Description,
		Services:    pf.Services,
	}

	for _, s := range pf.Severities {
		sev := incident.Severity(s)
		if !sev.Valid() {
			return nil, fmt.Errorf("unknown severity %q", s)
		}
		pb.Severities = append(pb.Severities, sev)
	}

	for i, sf := range pf.Steps {
		wantOrder := i + 1
		if sf.Order == 0 {
			sf.Order = wantOrder
		}
		if sf.Order != wantOrder {
			return nil, fmt.Errorf("step order must be contiguous from 1, got %d at position %d", sf.Order, wantOrder)
		}
		if sf.Action == "" {
			return nil, fmt.Errorf("step %d: action is required", sf.Order)
		}
		if sf.RollbackAction == "" && len(sf.RollbackArgs) > 0 {
			return nil, fmt.Errorf("step %d: rollback_args without rollback_action", sf.Order)
		}
		step := Step{
			ID:             sf.ID,
			Order:          sf.Order,
			Action:         sf.Action,
			Args:           sf.Args,
			Timeout:        secondsOr(sf.TimeoutSeconds, DefaultStepTimeout),
			RollbackAction: sf.RollbackAction,
			RollbackArgs:   sf.RollbackArgs,
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("%s-step-%d", pb.ID, step.Order)
		}
		pb.Steps = append(pb.Steps, step)
	}

	for i, cf := range pf.Checks {
		scope := CheckScope(cf.Scope)
		if scope != ScopePostStep && scope != ScopePostPlan {
			return nil, fmt.Errorf("check %d: scope must be post_step or post_plan, got %q", i, cf.Scope)
		}
		ctype := CheckType(cf.Type)
		if !ctype.Valid() {
			return nil, fmt.Errorf("check %d: unknown type %q", i, cf.Type)
		}
		if scope == ScopePostPlan && cf.StepOrder != 0 {
			return nil, fmt.Errorf("check %d: post_plan checks cannot bind to a step", i)
		}
		if cf.StepOrder < 0 || cf.StepOrder > len(pb.Steps) {
			return nil, fmt.Errorf("check %d: step_order %d out of range", i, cf.StepOrder)
		}
		check := Check{
			ID:        cf.ID,
			Name:      cf.Name,
			Scope:     scope,
			StepOrder: cf.StepOrder,
			Type:      ctype,
			Config:    cf.Config,
			Timeout:   secondsOr(cf.TimeoutSeconds, DefaultCheckTimeout),
		}
		if check.Name == "" {
			check.Name = fmt.Sprintf("%s-%s-%d", pb.ID, scope, i)
		}
		if check.ID == "" {
			check.ID = check.Name
		}
		pb.Checks = append(pb.Checks, check)
	}

	for _, cf := range pf.Preconditions {
		switch cf.Op {
		case OpEq, OpNeq, OpContains, OpGte, OpLte:
		default:
			return nil, fmt.Errorf("precondition on %q: unknown operator %q", cf.Field, cf.Op)
		}
		pb.Preconditions = append(pb.Preconditions, Condition{Field: cf.Field, Op: cf.Op, Value: cf.Value})
	}

	for _, prm := range pf.Parameters {
		if prm.Name == "" {
			return nil, errors.New("parameter name is required")
		}
		switch prm.Type {
		case "", "string", "number", "bool":
		default:
			return nil, fmt.Errorf("parameter %q: unknown type %q", prm.Name, prm.Type)
		}
		pb.Parameters = append(pb.Parameters, ParamSpec(prm))
	}

	return pb, nil
}

func secondsOr(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// Get returns a playbook by name.
func (c *Catalog) Get(name string) (*Playbook, bool) {
	pb, ok := c.byName[name]
	return pb, ok
}

// ByID returns a playbook by ID.
func (c *Catalog) ByID(id string) (*Playbook, bool) {
	pb, ok := c.byID[id]
	return pb, ok
}

// All returns playbooks in catalog order.
func (c *Catalog) All() []*Playbook {
	return c.order
}

// Len returns the number of playbooks.
func (c *Catalog) Len() int {
	return len(c.order)
}

// Candidates returns, in catalog order, the playbooks applicable to the
// diagnosis: service and severity filters match and preconditions hold.
func (c *Catalog) Candidates(diag incident.Diagnosis) []*Playbook {
	ctx := diag.Context()
	var out []*Playbook
	for _, pb := range c.order {
		if !pb.AppliesTo(diag.Service, diag.Severity) {
			continue
		}
		if !pb.PreconditionsMet(ctx) {
			continue
		}
		out = append(out, pb)
	}
	return out
}

// ValidateParams checks params against the playbook's parameter schema:
// required parameters present, declared types respected, unknown parameters
// rejected.
func (p *Playbook) ValidateParams(params map[string]any) error {
	specs := make(map[string]ParamSpec, len(p.Parameters))
	for _, spec := range p.Parameters {
		specs[spec.Name] = spec
		if spec.Required {
			if _, ok := params[spec.Name]; !ok {
				return fmt.Errorf("%w: %q", ErrMissingParameter, spec.Name)
			}
		}
	}
	for name, value := range params {
		spec, ok := specs[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
		}
		if !typeMatches(spec.Type, value) {
			return fmt.Errorf("%w: %q must be %s", ErrInvalidParameter, name, spec.Type)
		}
	}
	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "bool":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := numeric(value)
		if _, isStr := value.(string); isStr {
			return false
		}
		return ok
	}
	return false
}
