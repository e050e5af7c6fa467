// Package memory provides an in-memory implementation of every storage
// interface: ApplicationStore, ScopeStore, TokenStore and RequestCache.
//
// It uses maps guarded by a sync.RWMutex, hashes client secrets with bcrypt
// and removes expired token entries and cache items in a background loop.
// It is suitable for development, testing and single-instance deployments.
// Multi-instance deployments should back the request cache with the
// storage/redis package and the token store with storage/valkey.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	_ = store.SaveApplication(ctx, &storage.Application{
//	    ClientID:     "web",
//	    ClientType:   protocol.ClientTypeConfidential,
//	    RedirectURIs: []string{"https://app.example.com/callback"},
//	}, "s3cret")
//
//	srv, err := server.New(server.Config{
//	    Applications: store,
//	    Scopes:       store,
//	    Tokens:       store,
//	    RequestCache: store,
//	})
package memory
