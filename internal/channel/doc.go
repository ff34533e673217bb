// Package channel owns the shared transport behind ipcbus channels.
//
// Each channel key (name, id) maps to a small family of files under the
// configured root directory, normally on tmpfs (/dev/shm):
//
//	<stem>.seg   memory-mapped segment: header, slot table, record ring
//	<stem>.lock  flock(2) target that serializes every segment mutation
//	<stem>.bell  doorbell written after each enqueue so waiting readers in
//	             other processes wake up (inotify on Linux)
//
// The Registry is the process-wide entry point. Resolve attaches a caller to a
// channel, creating the segment exactly once across processes (O_CREAT|O_EXCL
// under the file lock), and hands back a Handle bound to one slot of the slot
// table. Release detaches the slot; whichever process drops the attached count
// to zero unlinks the files while still holding the lock, so a concurrent
// attach either sees the live segment or creates a fresh one.
//
// All reads and writes of the mapped segment happen under the lock. The ring
// never overwrites a record a consuming slot has not acknowledged; when those
// slots leave no room, Enqueue fails with ErrChannelFull rather than dropping
// data. A slot becomes consuming through Subscribe or its first Read. Records
// held only by slots that never consumed are evicted when space is needed.
package channel
