// SPDX-License-Identifier: MIT

package smsdispatch

import "errors"

// sentinel errors for conditions the dispatcher itself refuses, before any
// provider is ever invoked.
var (
	ErrConsentRevoked   = errors.New("smsdispatch: consent revoked for tenant/phone-hash")
	ErrRateLimited      = errors.New("smsdispatch: per-tenant send rate exceeded")
	ErrNoFromNumber     = errors.New("smsdispatch: tenant has no from-number pool configured")
	ErrProviderNotFound = errors.New("smsdispatch: tenant's configured provider is not registered")
	ErrProviderDisabled = errors.New("smsdispatch: tenant's configured provider is registered but disabled")
)
