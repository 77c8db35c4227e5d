package streams

import (
	"context"
	"errors"
)

// Default stream names
const (
	StreamEventRequests      = "ai:event:requests"
	StreamMenuPosterRequests = "ai:menu-poster:requests"
	StreamReviewRequests     = "ai:review:requests"
	StreamResults            = "ai:results"
	StreamResultsDeadLetter  = "ai:results:dead"
)

// Consumer group constants
const (
	GroupGenerationWorkers = "generation-workers" // external AI worker side
	GroupReconcilers       = "asset-reconcilers"  // result consumers in this service
)

// Result message field names
const (
	ResultFieldAssetID  = "asset_id"
	ResultFieldResult   = "result"
	ResultFieldAssetURL = "asset_url"
	ResultFieldType     = "type"
)

// ErrBacklogUnsupported is returned by transports that cannot report a
// backlog for the requested stream.
var ErrBacklogUnsupported = errors.New("streams: backlog not supported by transport")

// Transport appends flat field maps to a named stream. Implementations must
// perform exactly one append per call and return the transport-assigned id.
type Transport interface {
	Append(ctx context.Context, stream string, values map[string]string) (string, error)
	Backlog(ctx context.Context, stream string) (int64, error)
	Close() error
}
