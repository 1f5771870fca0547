// Package cli implements the purchases command-line client.
//
// Each invocation runs one subcommand against a configured sdk handle and
// exits:
//
//	purchases [flags] whoami
//	purchases [flags] customer-info [policy]
//	purchases [flags] login <app-user-id>
//	purchases [flags] logout
//	purchases [flags] set-attributes key=value...
//	purchases [flags] sync-attributes
//
// policy is one of cached_or_fetched (default), fetch_current,
// not_stale_cached_or_fetched and from_cache_only. CustomerInfo values are
// printed as indented JSON.
package cli
