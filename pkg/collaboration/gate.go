package collaboration

import (
	"context"

	"github.com/developer-mesh/collabcore/pkg/models"
)

// AccessGate decides whether user may open a collaborative session on doc.
// Any error refuses the join and is reported as a SessionUnavailableError.
type AccessGate interface {
	Admit(ctx context.Context, doc models.DocumentRef, user models.UserInfo) error
}

// AccessGateFunc adapts a function to AccessGate
type AccessGateFunc func(ctx context.Context, doc models.DocumentRef, user models.UserInfo) error

// Admit calls f
func (f AccessGateFunc) Admit(ctx context.Context, doc models.DocumentRef, user models.UserInfo) error {
	return f(ctx, doc, user)
}

// AllowAll admits every join
var AllowAll AccessGate = AccessGateFunc(func(context.Context, models.DocumentRef, models.UserInfo) error {
	return nil
})

// ChainGates admits a join only if every gate does. Gates run in order and
// the first refusal wins.
func ChainGates(gates ...AccessGate) AccessGate {
	return AccessGateFunc(func(ctx context.Context, doc models.DocumentRef, user models.UserInfo) error {
		for _, g := range gates {
			if g == nil {
				continue
			}
			if err := g.Admit(ctx, doc, user); err != nil {
				return err
			}
		}
		return nil
	})
}

// PermissionChecker reports whether a user may read a document
type PermissionChecker func(ctx context.Context, doc models.DocumentRef, userID string) (bool, error)

// ReadPermissionGate refuses users the checker does not allow
func ReadPermissionGate(check PermissionChecker) AccessGate {
	return AccessGateFunc(func(ctx context.Context, doc models.DocumentRef, user models.UserInfo) error {
		ok, err := check(ctx, doc, user.ID)
		if err != nil {
			return err
		}
		if !ok {
			return &SessionUnavailableError{Doc: doc, Reason: "no read permission for " + user.ID}
		}
		return nil
	})
}
