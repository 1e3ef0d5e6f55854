// Package credsource provides the external credential-list collaborator
// the syncer consumes: a directory scan that yields raw credential strings.
package credsource

import "context"

// Source is the boundary interface the syncer depends on. The core does not
// care how credentials are produced, only that ListCredentials returns the
// current full set.
type Source interface {
	ListCredentials(ctx context.Context) (map[string]struct{}, error)
}
