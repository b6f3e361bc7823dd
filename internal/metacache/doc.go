// Package metacache implements the Meta Cache Manager: the local on-disk
// mirror of a remote bucket's session metadata, the smart synchronization
// protocol that keeps it current, and the atomic publish path that adds a
// new session to both.
//
// Store is synchronous; all of its operations are meant to be called from
// inside an asyncop worker, which supplies the cancellation token and
// progress sink that the longer operations (SyncWithRemote, PublishSession,
// RepairCloudStructure) report through. Store depends only on
// types.ObjectStore, never on the concrete S3 backend, so tests substitute a
// fake.
package metacache
