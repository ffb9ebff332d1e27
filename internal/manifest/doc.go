// Package manifest models the build-time release description of the packaged
// front-end application: the resource manifest (origin-relative path -> content
// digest), the ordered shell set that must be fetched before a release may serve
// traffic, and the URL normalization rules that map request URLs onto manifest
// keys. Values in this package are immutable so the reconciliation rules used by
// the worker can be tested without any store.
package manifest
