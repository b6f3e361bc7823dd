/*
Package s3 is the Object Store Adapter: a thin, capability-scoped surface
over AWS S3 (list/get/put/delete/head) used by the metadata cache manager to
publish and fetch session artifacts, metadata indexes, and the overall
manifest.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│           Meta Cache Manager                  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              S3 Backend (this package)        │
	│  ┌────────────┐  ┌──────────────────────┐     │
	│  │ Connection │  │ CargoShip-optimized   │     │
	│  │ Pool       │  │ upload, plain fallback│     │
	│  └────────────┘  └──────────────────────┘     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                AWS S3 Service                 │
	└─────────────────────────────────────────────┘

# CargoShip Integration

Large session artifacts route through CargoShip's throughput-optimized
uploader; any CargoShip error falls back to the plain SDK PutObject path
rather than failing the publish outright.

# Conditional Writes

PutObjectConditional wires S3's IfMatch/IfNoneMatch preconditions so the
manifest compare-and-swap publish step (new manifest must match the ETag
last read, or must not exist) gets a PreconditionFailed response instead of
silently clobbering a concurrent writer's manifest.

# Configuration

	config := &s3.Config{
		Region:   "us-west-2",
		Endpoint: "", // empty uses the default AWS endpoint resolution

		EnableCargoShipOptimization: true,
		OptimizationLevel:           "standard",

		PoolSize:       8,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,

		ProxyURL:  "",
		TLSVerify: true,
	}

# Usage

	backend, err := s3.NewBackend(ctx, "my-bucket", config)
	if err != nil {
		log.Fatal(err)
	}
	defer backend.Close()

	err = backend.PutObject(ctx, "sessions/20250621114615_tt1.fastshot", data)
	data, err := backend.GetObject(ctx, "sessions/20250621114615_tt1.fastshot", 0, -1)
	info, err := backend.HeadObject(ctx, "overall_meta.json")

	// Conditional publish of the overall manifest.
	newETag, err := backend.PutObjectConditional(ctx, "overall_meta.json", manifestBytes, lastETag)

# Error Handling

translateError maps AWS SDK errors to this module's nine-kind taxonomy
(pkg/errors): 5xx/timeout become Transient, 401/403 become AuthDenied,
NoSuchKey becomes NotFound, and PreconditionFailed on a conditional write is
surfaced as Transient so the manifest CAS retry loop in the cache manager
picks it up.

# Thread Safety

Backend is safe for concurrent use; the connection pool and retry/circuit
breaker wrapping handle concurrent request load.
*/
package s3
