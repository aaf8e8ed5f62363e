package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"forestfs/pkg/blockstore/backend"
	"forestfs/pkg/forest"
	"forestfs/pkg/forestconfig"
	"forestfs/pkg/inode"
	"forestfs/pkg/ops"
)

// rootCtx is the identity every REPL command runs as: uid/gid 0, the way
// a local root-mounted filesystem driver would see its own CLI tool.
var rootCtx = ops.Context{Uid: 0, Gid: 0, Pid: 0, Umask: 0o022}

// REPL provides a line-oriented shell over a forest, adapted from the
// teacher's SQL REPL onto filesystem verbs.
type REPL struct {
	f *forest.Forest
	o *ops.Ops

	shell     *Shell
	output    io.Writer
	errOutput io.Writer

	running       bool
	exitRequested bool
}

// NewREPL opens (or creates) a bolt-backed forest at path and wraps it in
// a REPL reading from stdin. path == ":memory:" opens an in-memory forest
// instead, mirroring the teacher's NewREPL ":memory:" convention.
func NewREPL(path string, output, errOutput io.Writer) (*REPL, error) {
	return NewREPLWithInput(path, os.Stdin, output, errOutput)
}

// NewREPLWithInput is NewREPL with a custom input stream, for tests and
// scripted operation.
func NewREPLWithInput(path string, input io.Reader, output, errOutput io.Writer) (*REPL, error) {
	var b backend.Backend
	var err error
	if path == ":memory:" {
		b = backend.NewMemory()
	} else {
		b, err = backend.OpenBolt(path)
		if err != nil {
			return nil, fmt.Errorf("cli: open %s: %w", path, err)
		}
	}

	f, err := forest.Open(b, forestconfig.DefaultForestConfig())
	if err != nil {
		return nil, fmt.Errorf("cli: open forest: %w", err)
	}

	return &REPL{
		f:         f,
		o:         ops.New(f),
		shell:     NewShell(input, output, errOutput),
		output:    output,
		errOutput: errOutput,
	}, nil
}

// Close flushes and closes the underlying forest.
func (r *REPL) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

// Run starts the command loop, reading and executing commands until EOF
// or .exit.
func (r *REPL) Run() {
	r.running = true
	r.exitRequested = false

	fmt.Fprintln(r.output, "forestfs shell")
	fmt.Fprintln(r.output, `Enter ".help" for usage hints.`)

	for r.running && !r.exitRequested {
		fmt.Fprint(r.output, r.shell.prompt)
		line, eof := r.shell.ReadLine()
		line = strings.TrimSpace(line)
		if line != "" {
			if err := r.Execute(line); err != nil {
				r.printError(err)
			}
		}
		if eof {
			fmt.Fprintln(r.output)
			break
		}
	}
	r.running = false
}

// Execute runs a single command line.
func (r *REPL) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case ".exit", ".quit":
		r.exitRequested = true
		return nil
	case ".help":
		r.printHelp()
		return nil
	case "ls":
		return r.cmdLs(args)
	case "cat":
		return r.cmdCat(args)
	case "write":
		return r.cmdWrite(args)
	case "mkdir":
		return r.cmdMkdir(args)
	case "rm":
		return r.cmdRm(args)
	case "rmdir":
		return r.cmdRmdir(args)
	case "ln":
		return r.cmdLn(args)
	case "stat":
		return r.cmdStat(args)
	case "flush":
		return r.cmdFlush()
	case "status":
		return r.cmdStatus()
	default:
		return fmt.Errorf("unknown command: %s (try .help)", cmd)
	}
}

func (r *REPL) printHelp() {
	fmt.Fprint(r.output, `
.exit, .quit        Exit this shell
.help               Show this help message
ls [PATH]           List a directory, default "/"
cat PATH            Print a file's content
write PATH TEXT...  Create or overwrite PATH with TEXT
mkdir PATH          Create a directory
rm PATH             Remove a file or empty directory
rmdir PATH          Remove an empty directory (rejects files)
ln TARGET PATH      Create a hard link at PATH to TARGET
stat PATH           Show an entry's attributes
flush               Force a write-back flush to the backend
status              Show aggregate backend byte usage
`)
}

// resolve walks path from the root, dereferencing every intermediate
// component and returning the final inode with one live reference the
// caller must Deref.
func (r *REPL) resolve(path string) (*inode.Inode, error) {
	cur := r.f.Root()
	r.f.Ref(cur)
	for _, comp := range splitPath(path) {
		next, err := r.o.Lookup(cur, comp, rootCtx)
		if derefErr := r.f.Deref(cur); derefErr != nil {
			return nil, derefErr
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// resolveParent resolves path's parent directory and returns it alongside
// the final path component. The caller must Deref the parent.
func (r *REPL) resolveParent(path string) (*inode.Inode, string, error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return nil, "", fmt.Errorf("cli: %q has no final component", path)
	}
	parent, err := r.resolve(strings.Join(comps[:len(comps)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	return parent, comps[len(comps)-1], nil
}

func splitPath(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (r *REPL) cmdLs(args []string) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}
	dir, err := r.resolve(path)
	if err != nil {
		return err
	}
	defer r.f.Deref(dir)

	h, err := r.o.Opendir(dir, rootCtx)
	if err != nil {
		return err
	}
	defer r.o.Releasedir(h)

	entries, err := r.o.Readdir(h)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "-"
		if e.IsDir {
			kind = "d"
		} else if e.IsSymlink {
			kind = "l"
		}
		fmt.Fprintf(r.output, "%s %04o %10d %s\n", kind, e.StMode&0o7777, e.StSize, e.Name)
	}
	return nil
}

func (r *REPL) cmdCat(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cat PATH")
	}
	in, err := r.resolve(args[0])
	if err != nil {
		return err
	}
	defer r.f.Deref(in)

	attr := r.o.Getattr(in)
	h, err := r.o.Open(in, os.O_RDONLY, rootCtx)
	if err != nil {
		return err
	}
	defer r.o.Release(h)

	data, err := r.o.Read(h, 0, int(attr.Size))
	if err != nil {
		return err
	}
	r.output.Write(data)
	if len(data) == 0 || data[len(data)-1] != '\n' {
		fmt.Fprintln(r.output)
	}
	return nil
}

func (r *REPL) cmdWrite(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: write PATH TEXT...")
	}
	parent, name, err := r.resolveParent(args[0])
	if err != nil {
		return err
	}
	defer r.f.Deref(parent)

	content := strings.Join(args[1:], " ")

	var h ops.Handle
	if existing, lookErr := r.o.Lookup(parent, name, rootCtx); lookErr == nil {
		defer r.f.Deref(existing)
		h, err = r.o.Open(existing, os.O_WRONLY|os.O_TRUNC, rootCtx)
	} else {
		_, h, err = r.o.Create(parent, name, 0o644, os.O_WRONLY, rootCtx)
	}
	if err != nil {
		return err
	}
	defer r.o.Release(h)

	_, err = r.o.Write(h, 0, []byte(content))
	return err
}

func (r *REPL) cmdMkdir(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mkdir PATH")
	}
	parent, name, err := r.resolveParent(args[0])
	if err != nil {
		return err
	}
	defer r.f.Deref(parent)
	in, err := r.o.Mkdir(parent, name, 0o755, rootCtx)
	if err != nil {
		return err
	}
	return r.f.Deref(in)
}

func (r *REPL) cmdRm(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rm PATH")
	}
	parent, name, err := r.resolveParent(args[0])
	if err != nil {
		return err
	}
	defer r.f.Deref(parent)
	return r.o.Unlink(parent, name, rootCtx)
}

func (r *REPL) cmdRmdir(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rmdir PATH")
	}
	parent, name, err := r.resolveParent(args[0])
	if err != nil {
		return err
	}
	defer r.f.Deref(parent)
	return r.o.Rmdir(parent, name, rootCtx)
}

func (r *REPL) cmdLn(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: ln TARGET PATH")
	}
	target, err := r.resolve(args[0])
	if err != nil {
		return err
	}
	defer r.f.Deref(target)
	parent, name, err := r.resolveParent(args[1])
	if err != nil {
		return err
	}
	defer r.f.Deref(parent)
	linked, err := r.o.Link(target, parent, name, rootCtx)
	if err != nil {
		return err
	}
	return r.f.Deref(linked)
}

func (r *REPL) cmdStat(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stat PATH")
	}
	in, err := r.resolve(args[0])
	if err != nil {
		return err
	}
	defer r.f.Deref(in)
	a := r.o.Getattr(in)
	fmt.Fprintf(r.output, "ino=%d mode=%04o uid=%d gid=%d size=%d nlink=%d mtime_ns=%d\n",
		a.Ino, a.Mode&0o7777, a.Uid, a.Gid, a.Size, a.Nlink, a.MtimeNs)
	return nil
}

func (r *REPL) cmdFlush() error {
	n, err := r.f.Flush()
	if err != nil {
		return err
	}
	fmt.Fprintf(r.output, "flushed %d block operations\n", n)
	return nil
}

func (r *REPL) cmdStatus() error {
	avail, used, err := r.f.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(r.output, "bytes_used=%d bytes_available=%d\n", used, avail)
	return nil
}

func (r *REPL) printError(err error) {
	fmt.Fprintf(r.errOutput, "Error: %v\n", err)
}
