// Package machotypes holds the Mach-O on-disk constants and small layout
// helpers shared by the macho and codesign packages. It mirrors the subset
// of the Mach-O ABI this tool actually touches: load command tags, the file
// and fat headers, and the CPU type used to pick ARM64 slices.
package machotypes

// Magic identifies the kind of Mach-O container at the start of a file.
type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
	// MagicFat64 tags a fat header whose arch entries use 64-bit offsets.
	MagicFat64 Magic = 0xcafebabf
)

// CPUType is the cpu_type_t field of a Mach-O or fat_arch header.
type CPUType int32

const (
	cpuArch64 = 0x01000000

	CPUTypeX86    CPUType = 7
	CPUTypeX8664  CPUType = CPUTypeX86 | cpuArch64
	CPUTypeARM    CPUType = 12
	CPUTypeARM64  CPUType = CPUTypeARM | cpuArch64
)

// LoadCmd is the cmd field of a Mach-O load command.
type LoadCmd uint32

const (
	lcReqDyld LoadCmd = 0x80000000

	LCSegment            LoadCmd = 0x1
	LCSymtab             LoadCmd = 0x2
	LCDysymtab           LoadCmd = 0xb
	LCLoadDylib          LoadCmd = 0xc
	LCIDDylib            LoadCmd = 0xd
	LCSegment64          LoadCmd = 0x19
	LCUUID               LoadCmd = 0x1b
	LCRpath              LoadCmd = 0x1c | lcReqDyld
	LCCodeSignature      LoadCmd = 0x1d
	LCReexportDylib      LoadCmd = 0x1f | lcReqDyld
	LCLazyLoadDylib      LoadCmd = 0x20
	LCEncryptionInfo     LoadCmd = 0x21
	LCLoadWeakDylib      LoadCmd = 0x18 | lcReqDyld
	LCLoadUpwardDylib    LoadCmd = 0x23 | lcReqDyld
	LCEncryptionInfo64   LoadCmd = 0x2c
	LCMain               LoadCmd = 0x28 | lcReqDyld
)

// DylibLoadCommands are the load command tags that reference a dylib's
// install path the way LC_LOAD_DYLIB does.
var DylibLoadCommands = []LoadCmd{
	LCLoadDylib,
	LCLoadWeakDylib,
	LCReexportDylib,
	LCLazyLoadDylib,
	LCLoadUpwardDylib,
}

// IsDylibLoadCommand reports whether cmd references a dependency dylib
// (as opposed to LC_ID_DYLIB, which identifies the file itself).
func IsDylibLoadCommand(cmd LoadCmd) bool {
	for _, c := range DylibLoadCommands {
		if c == cmd {
			return true
		}
	}
	return false
}

const (
	// FileHeaderSize32 is sizeof(mach_header).
	FileHeaderSize32 = 7 * 4
	// FileHeaderSize64 is sizeof(mach_header_64): mach_header plus a
	// reserved uint32 trailer.
	FileHeaderSize64 = 8 * 4

	// FatHeaderSize is sizeof(fat_header): magic + nfat_arch.
	FatHeaderSize = 2 * 4
	// FatArchSize is sizeof(fat_arch): cputype, cpusubtype, offset, size, align.
	FatArchSize = 5 * 4
	// FatArch64Size is sizeof(fat_arch_64): cputype, cpusubtype, 8-byte
	// offset, 8-byte size, align, reserved. Used when the fat header's
	// magic is MagicFat64, for universal binaries whose members don't
	// fit a 32-bit offset/size.
	FatArch64Size = 8 * 4

	// DylibCommandHeaderSize is the fixed portion of dylib_command
	// preceding the path string: cmd, cmdsize, name offset, timestamp,
	// current_version, compat_version.
	DylibCommandHeaderSize = 24
	// RpathCommandHeaderSize is the fixed portion of rpath_command
	// preceding the path string: cmd, cmdsize, path offset.
	RpathCommandHeaderSize = 12

	// DylibPathOffset is the conventional name_offset written into
	// appended dylib_command load commands (the path immediately
	// follows the fixed header).
	DylibPathOffset = DylibCommandHeaderSize
	// RpathPathOffset is the conventional path_offset written into
	// appended rpath_command load commands.
	RpathPathOffset = RpathCommandHeaderSize

	// DylibTimestamp and the version fields below are the fixed values
	// this tool writes into every appended weak-dylib load command.
	DylibTimestamp      = 2
	DylibCurrentVersion = 0x00010000
	DylibCompatVersion  = 0x00010000

	// FatAlignBits is the default 2^14 alignment used when reassembling
	// a fat binary from its constituent slices.
	FatAlignBits = 14
)

// Align8 rounds n up to the next multiple of 8, the padding granularity
// the Mach-O loader expects between load commands.
func Align8(n int) int {
	return (n + 7) &^ 7
}

// AlignUp rounds n up to the next multiple of 1<<bits.
func AlignUp(n int, bits uint) int {
	mask := (1 << bits) - 1
	return (n + mask) &^ mask
}
