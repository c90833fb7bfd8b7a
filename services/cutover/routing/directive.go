package routing

import (
	"context"
)

type WriteTarget string

const (
	WriteTargetSource WriteTarget = "source"
	WriteTargetBoth   WriteTarget = "both"
	WriteTargetTarget WriteTarget = "target"
)

// Directive is the single control surface the engine exposes to the
// request-routing layer. It is always published as one value so a reader can
// never observe a half-updated directive.
type Directive struct {
	WriteTarget         WriteTarget `json:"write_target"`
	ReadSplitPercentage int         `json:"read_split_percentage"`
	CutoverInProgress   bool        `json:"cutover_in_progress"`
}

func DefaultDirective() Directive {
	return Directive{
		WriteTarget:         WriteTargetSource,
		ReadSplitPercentage: 0,
		CutoverInProgress:   false,
	}
}

// Store publishes the routing directive to the coordination store the
// request layer watches.
type Store interface {
	Publish(ctx context.Context, d Directive) error
	Get(ctx context.Context) (Directive, error)
}
