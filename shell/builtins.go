package shell

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentsh/sandbox/kernel"
)

// builtinFunc is a Go-implemented shell builtin: it runs in the driver's own
// goroutine (no Spawn, no guest) with direct access to fr's stdio fds and
// the driver's persistent state (env, cwd, option flags).
type builtinFunc func(ctx context.Context, d *Driver, args []string, fr *frame) int

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"cd":        builtinCd,
		"pwd":       builtinPwd,
		"export":    builtinExport,
		"unset":     builtinUnset,
		"set":       builtinSet,
		"echo":      builtinEcho,
		"read":      builtinRead,
		"true":      builtinTrue,
		"false":     builtinFalse,
		"exit":      builtinExit,
		"touch":     builtinTouch,
		"stat":      builtinStat,
		"readlink":  builtinReadlink,
		"ln":        builtinLn,
		"tee":       builtinTee,
		"basename":  builtinBasename,
		"dirname":   builtinDirname,
		"which":     builtinWhich,
		"seq":       builtinSeq,
		"sha256sum": builtinSha256sum,
		"md5sum":    builtinMd5sum,
		"env":       builtinEnv,
		"hostname":  builtinHostname,
		"id":        builtinId,
		"uname":     builtinUname,
		"date":      builtinDate,
		"mkdir":     builtinMkdir,
		"rm":        builtinRm,
		"cat":       builtinCat,
	}
}

func (d *Driver) stdout(ctx context.Context, fr *frame, s string) int {
	d.writeFd(ctx, fr.stdout, []byte(s))
	return 0
}

func (d *Driver) fail(ctx context.Context, fr *frame, name, msg string) int {
	d.writeFd(ctx, fr.stderr, []byte(name+": "+msg+"\n"))
	return 1
}

func builtinCd(ctx context.Context, d *Driver, args []string, fr *frame) int {
	target := "/root"
	if len(args) > 0 {
		target = args[0]
	}
	p := resolvePath(d.Cwd(), target)
	info, err := d.vfsRoot.Stat(p)
	if err != nil {
		return d.fail(ctx, fr, "cd", target+": no such directory")
	}
	if !info.IsDir {
		return d.fail(ctx, fr, "cd", target+": not a directory")
	}
	d.mu.Lock()
	d.cwd = p
	d.mu.Unlock()
	return 0
}

func builtinPwd(ctx context.Context, d *Driver, args []string, fr *frame) int {
	return d.stdout(ctx, fr, d.Cwd()+"\n")
}

func builtinExport(ctx context.Context, d *Driver, args []string, fr *frame) int {
	if len(args) == 0 {
		env := d.Env()
		names := make([]string, 0, len(env))
		for k := range env {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			d.stdout(ctx, fr, fmt.Sprintf("export %s=%s\n", k, env[k]))
		}
		return 0
	}
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok {
			if _, exists := d.GetEnv(name); !exists {
				d.SetEnv(name, "")
			}
			continue
		}
		d.SetEnv(name, value)
	}
	return 0
}

func builtinUnset(ctx context.Context, d *Driver, args []string, fr *frame) int {
	for _, a := range args {
		d.UnsetEnv(a)
	}
	return 0
}

func builtinSet(ctx context.Context, d *Driver, args []string, fr *frame) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-e":
			d.opts.Errexit = true
		case "+e":
			d.opts.Errexit = false
		case "-u":
			d.opts.Nounset = true
		case "+u":
			d.opts.Nounset = false
		case "-x":
			d.opts.Xtrace = true
		case "+x":
			d.opts.Xtrace = false
		case "-o":
			if i+1 < len(args) && args[i+1] == "pipefail" {
				d.opts.Pipefail = true
				i++
			}
		case "+o":
			if i+1 < len(args) && args[i+1] == "pipefail" {
				d.opts.Pipefail = false
				i++
			}
		}
	}
	return 0
}

func builtinEcho(ctx context.Context, d *Driver, args []string, fr *frame) int {
	newline := true
	start := 0
	for start < len(args) && args[start] == "-n" {
		newline = false
		start++
	}
	out := strings.Join(args[start:], " ")
	if newline {
		out += "\n"
	}
	return d.stdout(ctx, fr, out)
}

func builtinRead(ctx context.Context, d *Driver, args []string, fr *frame) int {
	data, err := d.readStdin(ctx, fr.stdin)
	if err != nil {
		return d.fail(ctx, fr, "read", err.Error())
	}
	line := string(data)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	fields := strings.Fields(line)
	if len(args) == 0 {
		d.SetEnv("REPLY", line)
		return 0
	}
	for i, name := range args {
		if i == len(args)-1 {
			d.SetEnv(name, strings.Join(fields[min(i, len(fields)):], " "))
			break
		}
		if i < len(fields) {
			d.SetEnv(name, fields[i])
		} else {
			d.SetEnv(name, "")
		}
	}
	if len(data) == 0 {
		return 1
	}
	return 0
}

func builtinTrue(ctx context.Context, d *Driver, args []string, fr *frame) int  { return 0 }
func builtinFalse(ctx context.Context, d *Driver, args []string, fr *frame) int { return 1 }

func builtinExit(ctx context.Context, d *Driver, args []string, fr *frame) int {
	d.mu.Lock()
	code := d.lastRC
	d.mu.Unlock()
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			code = n
		}
	}
	d.mu.Lock()
	d.exiting = true
	d.exitCode = code
	d.mu.Unlock()
	return code
}

func builtinTouch(ctx context.Context, d *Driver, args []string, fr *frame) int {
	for _, a := range args {
		if a == "" || a[0] == '-' {
			continue
		}
		p := resolvePath(d.Cwd(), a)
		if d.vfsRoot.Exists(p) {
			continue
		}
		if err := d.vfsRoot.WriteFile(p, nil, 0644); err != nil {
			return d.fail(ctx, fr, "touch", err.Error())
		}
	}
	return 0
}

func builtinStat(ctx context.Context, d *Driver, args []string, fr *frame) int {
	for _, a := range args {
		p := resolvePath(d.Cwd(), a)
		info, err := d.vfsRoot.Stat(p)
		if err != nil {
			return d.fail(ctx, fr, "stat", a+": no such file or directory")
		}
		kind := "regular file"
		if info.IsDir {
			kind = "directory"
		}
		d.stdout(ctx, fr, fmt.Sprintf("  File: %s\n  Size: %d\n  Type: %s\n", a, info.Size, kind))
	}
	return 0
}

func builtinReadlink(ctx context.Context, d *Driver, args []string, fr *frame) int {
	canonicalize := false
	var targets []string
	for _, a := range args {
		if a == "-f" || a == "--canonicalize" {
			canonicalize = true
			continue
		}
		targets = append(targets, a)
	}
	for _, t := range targets {
		p := resolvePath(d.Cwd(), t)
		if canonicalize {
			if _, err := d.vfsRoot.Stat(p); err != nil {
				return d.fail(ctx, fr, "readlink", t+": no such file or directory")
			}
			d.stdout(ctx, fr, p+"\n")
			continue
		}
		link, err := d.vfsRoot.Readlink(p)
		if err != nil {
			return d.fail(ctx, fr, "readlink", t+": invalid argument")
		}
		d.stdout(ctx, fr, link+"\n")
	}
	return 0
}

func builtinLn(ctx context.Context, d *Driver, args []string, fr *frame) int {
	symbolic := false
	var operands []string
	for _, a := range args {
		if a == "-s" || a == "--symbolic" {
			symbolic = true
			continue
		}
		if a != "" && a[0] == '-' {
			continue
		}
		operands = append(operands, a)
	}
	if len(operands) < 2 {
		return d.fail(ctx, fr, "ln", "missing operand")
	}
	if !symbolic {
		return d.fail(ctx, fr, "ln", "hard links are not supported in this sandbox")
	}
	linkName := resolvePath(d.Cwd(), operands[1])
	if err := d.vfsRoot.Symlink(operands[0], linkName); err != nil {
		return d.fail(ctx, fr, "ln", err.Error())
	}
	return 0
}

func builtinTee(ctx context.Context, d *Driver, args []string, fr *frame) int {
	appendMode := false
	var files []string
	for _, a := range args {
		if a == "-a" || a == "--append" {
			appendMode = true
			continue
		}
		files = append(files, a)
	}
	data, err := d.readStdin(ctx, fr.stdin)
	if err != nil {
		return d.fail(ctx, fr, "tee", err.Error())
	}
	d.writeFd(ctx, fr.stdout, data)
	for _, f := range files {
		p := resolvePath(d.Cwd(), f)
		out := data
		if appendMode {
			if existing, err := d.vfsRoot.ReadFile(p); err == nil {
				out = append(append([]byte{}, existing...), data...)
			}
		}
		if err := d.vfsRoot.WriteFile(p, out, 0644); err != nil {
			return d.fail(ctx, fr, "tee", err.Error())
		}
	}
	return 0
}

func builtinBasename(ctx context.Context, d *Driver, args []string, fr *frame) int {
	if len(args) == 0 {
		return d.fail(ctx, fr, "basename", "missing operand")
	}
	result := path.Base(args[0])
	if len(args) > 1 {
		result = strings.TrimSuffix(result, args[1])
	}
	return d.stdout(ctx, fr, result+"\n")
}

func builtinDirname(ctx context.Context, d *Driver, args []string, fr *frame) int {
	if len(args) == 0 {
		return d.fail(ctx, fr, "dirname", "missing operand")
	}
	for _, a := range args {
		clean := strings.TrimRight(a, "/")
		if clean == "" {
			clean = "/"
		}
		d.stdout(ctx, fr, path.Dir(clean)+"\n")
	}
	return 0
}

func builtinWhich(ctx context.Context, d *Driver, args []string, fr *frame) int {
	allFound := true
	for _, name := range args {
		if _, ok := builtins[name]; ok {
			d.stdout(ctx, fr, "/usr/bin/"+name+"\n")
			continue
		}
		if d.kernelHasTool(name) {
			d.stdout(ctx, fr, "/usr/bin/"+name+"\n")
			continue
		}
		d.writeFd(ctx, fr.stderr, []byte("which: no "+name+" in PATH\n"))
		allFound = false
	}
	if !allFound {
		return 1
	}
	return 0
}

func builtinSeq(ctx context.Context, d *Driver, args []string, fr *frame) int {
	nums := make([]float64, 0, 3)
	for _, a := range args {
		n, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return d.fail(ctx, fr, "seq", "invalid argument: "+a)
		}
		nums = append(nums, n)
	}
	var first, incr, last float64
	switch len(nums) {
	case 1:
		first, incr, last = 1, 1, nums[0]
	case 2:
		first, incr, last = nums[0], 1, nums[1]
	case 3:
		first, incr, last = nums[0], nums[1], nums[2]
	default:
		return d.fail(ctx, fr, "seq", "missing operand")
	}
	if incr == 0 {
		return d.fail(ctx, fr, "seq", "zero increment")
	}
	var sb strings.Builder
	for i := first; (incr > 0 && i <= last) || (incr < 0 && i >= last); i += incr {
		if i == float64(int64(i)) {
			fmt.Fprintf(&sb, "%d\n", int64(i))
		} else {
			fmt.Fprintf(&sb, "%g\n", i)
		}
	}
	return d.stdout(ctx, fr, sb.String())
}

func builtinSha256sum(ctx context.Context, d *Driver, args []string, fr *frame) int {
	if len(args) == 0 {
		data, err := d.readStdin(ctx, fr.stdin)
		if err != nil {
			return d.fail(ctx, fr, "sha256sum", err.Error())
		}
		h := sha256.Sum256(data)
		return d.stdout(ctx, fr, fmt.Sprintf("%x  -\n", h))
	}
	for _, f := range args {
		p := resolvePath(d.Cwd(), f)
		data, err := d.vfsRoot.ReadFile(p)
		if err != nil {
			return d.fail(ctx, fr, "sha256sum", f+": no such file or directory")
		}
		h := sha256.Sum256(data)
		d.stdout(ctx, fr, fmt.Sprintf("%x  %s\n", h, f))
	}
	return 0
}

func builtinMd5sum(ctx context.Context, d *Driver, args []string, fr *frame) int {
	if len(args) == 0 {
		data, err := d.readStdin(ctx, fr.stdin)
		if err != nil {
			return d.fail(ctx, fr, "md5sum", err.Error())
		}
		h := md5.Sum(data)
		return d.stdout(ctx, fr, fmt.Sprintf("%x  -\n", h))
	}
	for _, f := range args {
		p := resolvePath(d.Cwd(), f)
		data, err := d.vfsRoot.ReadFile(p)
		if err != nil {
			return d.fail(ctx, fr, "md5sum", f+": no such file or directory")
		}
		h := md5.Sum(data)
		d.stdout(ctx, fr, fmt.Sprintf("%x  %s\n", h, f))
	}
	return 0
}

func builtinEnv(ctx context.Context, d *Driver, args []string, fr *frame) int {
	env := d.Env()
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, k := range names {
		fmt.Fprintf(&sb, "%s=%s\n", k, env[k])
	}
	return d.stdout(ctx, fr, sb.String())
}

func builtinHostname(ctx context.Context, d *Driver, args []string, fr *frame) int {
	name, ok := d.GetEnv("HOSTNAME")
	if !ok || name == "" {
		name = "sandbox"
	}
	return d.stdout(ctx, fr, name+"\n")
}

func builtinId(ctx context.Context, d *Driver, args []string, fr *frame) int {
	uid, _ := d.GetEnv("SANDBOX_UID")
	gid, _ := d.GetEnv("SANDBOX_GID")
	if uid == "" {
		uid = "0"
	}
	if gid == "" {
		gid = "0"
	}
	uname, gname := "root", "root"
	if uid != "0" {
		uname = "user"
	}
	if gid != "0" {
		gname = "group"
	}
	if len(args) == 0 {
		return d.stdout(ctx, fr, fmt.Sprintf("uid=%s(%s) gid=%s(%s)\n", uid, uname, gid, gname))
	}
	switch args[0] {
	case "-u":
		return d.stdout(ctx, fr, uid+"\n")
	case "-g":
		return d.stdout(ctx, fr, gid+"\n")
	case "-un":
		return d.stdout(ctx, fr, uname+"\n")
	case "-gn":
		return d.stdout(ctx, fr, gname+"\n")
	default:
		return d.fail(ctx, fr, "id", "unknown option: "+args[0])
	}
}

func builtinUname(ctx context.Context, d *Driver, args []string, fr *frame) int {
	if len(args) == 0 {
		return d.stdout(ctx, fr, "Linux\n")
	}
	hostname, _ := d.GetEnv("HOSTNAME")
	if hostname == "" {
		hostname = "sandbox"
	}
	var sb strings.Builder
	for _, flag := range args {
		switch flag {
		case "-a", "--all":
			fmt.Fprintf(&sb, "Linux %s 6.1.0 #1 SMP wasm agentsh x86_64 GNU/Linux\n", hostname)
		case "-s":
			sb.WriteString("Linux\n")
		case "-n":
			sb.WriteString(hostname + "\n")
		case "-r":
			sb.WriteString("6.1.0\n")
		case "-m":
			sb.WriteString("x86_64\n")
		default:
			return d.fail(ctx, fr, "uname", "unknown option: "+flag)
		}
	}
	return d.stdout(ctx, fr, sb.String())
}

func builtinDate(ctx context.Context, d *Driver, args []string, fr *frame) int {
	return d.stdout(ctx, fr, time.Now().UTC().Format("Mon Jan  2 15:04:05 UTC 2006")+"\n")
}

func builtinMkdir(ctx context.Context, d *Driver, args []string, fr *frame) int {
	parents := false
	var dirs []string
	for _, a := range args {
		if a == "-p" || a == "--parents" {
			parents = true
			continue
		}
		dirs = append(dirs, a)
	}
	for _, dir := range dirs {
		p := resolvePath(d.Cwd(), dir)
		var err error
		if parents {
			err = d.vfsRoot.MkdirAll(p, 0755)
		} else {
			err = d.vfsRoot.Mkdir(p, 0755)
		}
		if err != nil {
			return d.fail(ctx, fr, "mkdir", err.Error())
		}
	}
	return 0
}

func builtinRm(ctx context.Context, d *Driver, args []string, fr *frame) int {
	recursive := false
	force := false
	var targets []string
	for _, a := range args {
		switch a {
		case "-r", "-rf", "-fr", "-R":
			recursive = true
			if strings.Contains(a, "f") {
				force = true
			}
		case "-f":
			force = true
		default:
			targets = append(targets, a)
		}
	}
	for _, t := range targets {
		p := resolvePath(d.Cwd(), t)
		info, err := d.vfsRoot.Lstat(p)
		if err != nil {
			if force {
				continue
			}
			return d.fail(ctx, fr, "rm", t+": no such file or directory")
		}
		if info.IsDir && recursive {
			err = removeTree(d, p)
		} else if info.IsDir {
			err = d.vfsRoot.Rmdir(p)
		} else {
			err = d.vfsRoot.Remove(p)
		}
		if err != nil && !force {
			return d.fail(ctx, fr, "rm", err.Error())
		}
	}
	return 0
}

func removeTree(d *Driver, p string) error {
	entries, err := d.vfsRoot.ReadDir(p)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := path.Join(p, e.Name)
		if e.IsDir {
			if err := removeTree(d, child); err != nil {
				return err
			}
			continue
		}
		if err := d.vfsRoot.Remove(child); err != nil {
			return err
		}
	}
	return d.vfsRoot.Rmdir(p)
}

func builtinCat(ctx context.Context, d *Driver, args []string, fr *frame) int {
	if len(args) == 0 {
		data, err := d.readStdin(ctx, fr.stdin)
		if err != nil {
			return d.fail(ctx, fr, "cat", err.Error())
		}
		d.writeFd(ctx, fr.stdout, data)
		return 0
	}
	for _, a := range args {
		p := resolvePath(d.Cwd(), a)
		data, err := d.vfsRoot.ReadFile(p)
		if err != nil {
			return d.fail(ctx, fr, "cat", a+": no such file or directory")
		}
		d.writeFd(ctx, fr.stdout, data)
	}
	return 0
}

func (d *Driver) kernelHasTool(name string) bool {
	return d.kernel.HasTool(name)
}

// readStdin drains fr's stdin fd to completion, dispatching on fd kind the
// same way writeFd does for output.
func (d *Driver) readStdin(ctx context.Context, fd int) ([]byte, error) {
	target, ok := d.fds.Get(fd)
	if !ok {
		return nil, nil
	}
	switch target.Kind {
	case kernel.FdNull:
		return nil, nil
	case kernel.FdBuffer:
		return target.Buffer.Bytes(), nil
	case kernel.FdStatic:
		var out []byte
		buf := make([]byte, 4096)
		for {
			n, _ := target.Static.Read(buf)
			if n == 0 {
				return out, nil
			}
			out = append(out, buf[:n]...)
		}
	case kernel.FdPipeRead:
		var out []byte
		buf := make([]byte, 4096)
		for {
			n, err := target.Pipe.Read(ctx, buf)
			if n > 0 {
				out = append(out, buf[:n]...)
			}
			if n == 0 || err != nil {
				return out, nil
			}
		}
	case kernel.FdVFSFile:
		return target.VFSFile.ReadAt()
	default:
		return nil, nil
	}
}
