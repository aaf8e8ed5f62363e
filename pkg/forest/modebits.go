package forest

// POSIX st_mode file-type bits (spec §6's persistent directory-entry
// fields carry st_mode verbatim; these are the standard numeric values
// every POSIX stat(2) implementation agrees on, not anything
// platform-specific, so they're plain constants rather than a syscall
// package import).
const (
	ModeFmt    uint32 = 0o170000
	ModeSocket uint32 = 0o140000
	ModeLink   uint32 = 0o120000
	ModeReg    uint32 = 0o100000
	ModeBlock  uint32 = 0o060000
	ModeDir    uint32 = 0o040000
	ModeChar   uint32 = 0o020000
	ModeFifo   uint32 = 0o010000
)

// IsDirMode reports whether mode's file-type bits mark a directory.
func IsDirMode(mode uint32) bool { return mode&ModeFmt == ModeDir }
