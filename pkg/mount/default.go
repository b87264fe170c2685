package mount

// HostBinds are the kernel filesystems shared into a sandbox root with
// recursive bind mounts
var HostBinds = []string{"/proc", "/sys", "/dev"}
