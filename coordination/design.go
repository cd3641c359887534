package coordination

import (
	"context"
	"errors"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/design"
	"github.com/clinprecision/clinops-core/domain/study"
)

// DesignInitializer opens the design of every new study. The design shares
// the study's ID.
type DesignInitializer struct {
	bus  clinops.Dispatcher
	opts options
}

// NewDesignInitializer creates a DesignInitializer dispatching through bus.
func NewDesignInitializer(bus clinops.Dispatcher, opts ...Option) *DesignInitializer {
	return &DesignInitializer{bus: bus, opts: newOptions(opts)}
}

func (d *DesignInitializer) Name() string       { return "design-initializer" }
func (d *DesignInitializer) Families() []string { return []string{study.Family} }

// Handle dispatches InitializeStudyDesign for StudyCreated. A design that
// already exists counts as success.
func (d *DesignInitializer) Handle(ctx context.Context, ev clinops.Event) error {
	created, ok := ev.Data.(study.StudyCreated)
	if !ok {
		return nil
	}
	_, err := d.bus.Dispatch(ctx, design.InitializeStudyDesign{
		CommandBase: causedBy(ev),
		StudyID:     ev.AggregateID,
		StudyName:   created.Name,
	})
	if errors.Is(err, clinops.ErrAlreadyExists) {
		d.opts.logger.Debug("study design already initialized", "study", ev.AggregateID)
		return nil
	}
	if err != nil {
		return err
	}
	d.opts.logger.Info("study design initialized", "study", ev.AggregateID, "event", ev.ID)
	return nil
}
