package creds

import (
	"context"
	"fmt"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/store"
)

//counterfeiter:generate . Resolver

// Resolver maps a credential ID to the name of a cluster secret the run job
// can mount. An empty name means the credential is skipped. The encryption
// backend behind the secret is external to the core.
type Resolver interface {
	ResolveToSecretName(ctx context.Context, credentialID string) (string, error)
}

// ConventionResolver derives secret names by convention: the external
// credential service materialises each credential as a secret named
// mellea-cred-<shortID> in the credentials namespace.
type ConventionResolver struct{}

func (ConventionResolver) ResolveToSecretName(_ context.Context, credentialID string) (string, error) {
	return fmt.Sprintf("mellea-cred-%s", core.ShortID(credentialID)), nil
}

// CheckedResolver guards a Resolver with the credentials metadata collection:
// a referenced credential must exist and must not be expired before its
// secret name is handed to the executor. Granting rules beyond that stay with
// the external credential service.
type CheckedResolver struct {
	logger      lager.Logger
	credentials *store.Collection[core.Credential]
	clock       clock.Clock
	next        Resolver
}

func NewCheckedResolver(
	logger lager.Logger,
	credentials *store.Collection[core.Credential],
	clock clock.Clock,
	next Resolver,
) *CheckedResolver {
	return &CheckedResolver{
		logger:      logger,
		credentials: credentials,
		clock:       clock,
		next:        next,
	}
}

func (r *CheckedResolver) ResolveToSecretName(ctx context.Context, credentialID string) (string, error) {
	logger := r.logger.Session("resolve-credential", lager.Data{"credential": credentialID})

	credential, found, err := r.credentials.GetByID(credentialID)
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}
	if !found {
		return "", core.NewNotFound("credential", credentialID)
	}

	now := r.clock.Now().UTC()
	if credential.Expired(now) {
		return "", core.NewValidation(fmt.Sprintf("credential %s expired at %s",
			credentialID, credential.ExpiresAt.Format("2006-01-02T15:04:05Z")))
	}

	credential.LastAccessedAt = &now
	if _, _, err := r.credentials.Update(credential.ID, credential); err != nil {
		logger.Error("failed-to-touch-credential", err)
	}

	return r.next.ResolveToSecretName(ctx, credentialID)
}
