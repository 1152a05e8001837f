// Package cache defines the generation storage behind the offline agent. A
// Storage holds named generations (for example "app-v4"); each Generation maps
// a normalized GET request URL to an immutable response snapshot. Three
// backends share the same contract: a disk layout under
// StoragePath/<generation>/, a SQLite database and an in-memory map used in
// tests. Writes are atomic per key, and PutAll stores a whole manifest at once
// so a generation never exposes a half-provisioned state.
package cache
