// Package cache implements the content-addressed file store that backs the
// article cache. Blobs live under StoragePath/files/<prefix>/<name>, where
// name is a derived identity (see package keys). Writes go through a temp
// file and are published either with a hard link (create-if-absent, first
// writer wins) or a rename (supersede). Readers never observe partial files.
package cache
