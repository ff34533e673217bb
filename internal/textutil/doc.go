// Package textutil provides the string helpers the channel layer uses to turn
// user-supplied names into keys and file names.
//
// The primary use cases are:
//   - Normalizing channel names to Unicode NFC so equivalent spellings address
//     the same channel
//   - Sanitizing names into lowercase filesystem-safe tokens
//   - Truncating tokens on UTF-8 boundaries
package textutil
