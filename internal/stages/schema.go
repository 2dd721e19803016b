package stages

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

//go:embed schemas.cue
var schemasCUE string

var definitions = map[models.Stage]string{
	models.StageGenerateSOP:        "#GenerateSOP",
	models.StageAuditWaste:         "#AuditWaste",
	models.StageArchitectAgents:    "#ArchitectAgents",
	models.StageGenerateAgentSpecs: "#GenerateAgentSpecs",
	models.StageJudgeQuality:       "#JudgeQuality",
}

// Schemas validates model output against the embedded CUE definitions.
// A cue.Context is not safe for concurrent use, so access is serialised.
type Schemas struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[models.Stage]cue.Value
}

// NewSchemas compiles the embedded definitions.
func NewSchemas() (*Schemas, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemasCUE, cue.Filename("schemas.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile stage schemas: %w", err)
	}

	defs := make(map[models.Stage]cue.Value, len(definitions))
	for stage, name := range definitions {
		def := root.LookupPath(cue.ParsePath(name))
		if !def.Exists() {
			return nil, fmt.Errorf("stage schema %s not found", name)
		}
		defs[stage] = def
	}
	return &Schemas{ctx: ctx, defs: defs}, nil
}

// Validate checks raw against the stage's definition and returns a
// recoverable *errors.ValidationError describing the first violations.
func (s *Schemas) Validate(stage models.Stage, raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.NewValidationError(stage.Name(), "", "model returned no JSON object")
	}
	if !json.Valid(raw) {
		return errors.NewValidationError(stage.Name(), "", "model output is not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[stage]
	if !ok {
		return errors.NewBlockingValidationError(stage.Name(), "", "no schema for stage")
	}

	data := s.ctx.CompileBytes(raw, cue.Filename("output.json"))
	if err := data.Err(); err != nil {
		return errors.NewValidationError(stage.Name(), "", err.Error())
	}

	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return errors.NewValidationError(stage.Name(), firstPath(err), summarize(err))
	}
	return nil
}

func firstPath(err error) string {
	for _, e := range cueerrors.Errors(err) {
		if path := e.Path(); len(path) > 0 {
			return strings.Join(path, ".")
		}
	}
	return ""
}

func summarize(err error) string {
	errs := cueerrors.Errors(err)
	msgs := make([]string, 0, len(errs))
	for i, e := range errs {
		if i == 3 {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(errs)-i))
			break
		}
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}
