package vfs

// DefaultLayout seeds an Alpine-ish rootfs against v, generalizing the
// teacher's PopulateRootfs (which wrote these same directories straight to
// a host tempdir) into writes against the in-memory tree. Mounts for /dev
// and /proc are attached separately by the caller before or after this
// runs; DefaultLayout only creates the plain directories and seed files.
func DefaultLayout(v *VFS) error {
	return v.WithWriteAccess(func() error {
		dirs := []string{
			"/bin", "/sbin",
			"/usr/bin", "/usr/sbin", "/usr/local/bin",
			"/etc",
			"/tmp", "/var/tmp", "/var/log",
			"/home", "/root",
		}
		for _, d := range dirs {
			if err := v.MkdirAll(d, 0755); err != nil {
				return err
			}
		}

		seeds := map[string][]byte{
			"/etc/passwd":   []byte("root:x:0:0:root:/root:/bin/sh\nnobody:x:65534:65534:nobody:/:/sbin/nologin\n"),
			"/etc/group":    []byte("root:x:0:\nnobody:x:65534:\n"),
			"/etc/hostname": []byte("sandbox\n"),
			"/etc/hosts":    []byte("127.0.0.1\tlocalhost\n::1\t\tlocalhost\n"),
		}
		for p, data := range seeds {
			if err := v.WriteFile(p, data, 0644); err != nil {
				return err
			}
		}
		if err := v.MkdirAll("/dev", 0755); err != nil {
			return err
		}
		return v.MkdirAll("/proc", 0755)
	})
}
