//go:build freebsd || openbsd || netbsd || dragonfly || darwin

// Package watcher implements the BSD kqueue-backed recursive filesystem
// watcher: the inode-keyed state machine that turns coarse per-descriptor
// vnode notifications into semantic create/write/delete/rename events.
//
// The kernel wait and every InodeMap mutation happen on the single goroutine
// that calls Run; nothing else may read or write a Watcher's inode table or
// pending kqueue registrations. No mutex guards them — that is a documented
// invariant enforced by keeping both fields unexported, not a runtime check.
// Downstream per-descriptor work belongs in a separate consumer process, not
// here.
//
// Inode-generation reuse within a single run is not detected and assumed not
// to occur. Hard links and symlinks are unsupported; entries are classified
// with stat(2), which follows symlinks, so a symlink is tracked as the file
// or directory it points to (a symlinked directory is walked), and a
// dangling symlink is skipped.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/voutilad/tangle/internal/control"
	"github.com/voutilad/tangle/internal/event"
	"github.com/voutilad/tangle/internal/ignore"
)

// vnodeFflags is the vnode-change bitset registered on every descriptor.
const vnodeFflags = unix.NOTE_RENAME | unix.NOTE_WRITE | unix.NOTE_DELETE | unix.NOTE_ATTRIB

// Sink receives events emitted by the Watcher's loop. The production
// implementation is *transport.Client; tests can supply a slice-collecting
// stub without standing up a socket.
type Sink interface {
	Send(e event.Event) error
}

// Watcher holds the inode-keyed model of one directory tree plus the kqueue
// descriptor driving its notifications.
type Watcher struct {
	root    string
	rootIno InodeId
	ignore  ignore.Policy
	log     *slog.Logger
	wait    time.Duration

	kq      int
	inodes  InodeMap
	fdInode map[int]InodeId
	pending []unix.Kevent_t

	sink    Sink
	control *os.File
}

// Options configures a new Watcher.
type Options struct {
	Root    string          // directory to watch
	Ignore  ignore.Policy   // skip policy, see internal/ignore
	Logger  *slog.Logger    // base logger; a "run_id" attribute is attached
	RunID   string          // correlates this process's log lines with the consumer's
	Wait    time.Duration   // kqueue wait timeout, default 1s
	Control *os.File        // shutdown control channel read end; nil runs until an error
}

// New allocates a Watcher and opens its kqueue descriptor. It does not walk
// the tree; call Bootstrap and then Run.
func New(opts Options) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Wait <= 0 {
		opts.Wait = time.Second
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("watcher: kqueue: %w", err)
	}
	return &Watcher{
		root:    filepath.Clean(opts.Root),
		ignore:  opts.Ignore,
		log:     opts.Logger.With(slog.String("run_id", opts.RunID)),
		wait:    opts.Wait,
		kq:      kq,
		inodes:  make(InodeMap),
		fdInode: make(map[int]InodeId),
		control: opts.Control,
	}, nil
}

// Close releases the kqueue descriptor and every tracked descriptor without
// emitting any events. Used when Bootstrap fails before Run is ever called.
func (w *Watcher) Close() {
	for _, e := range w.inodes {
		_ = unix.Close(e.fd())
	}
	_ = unix.Close(w.kq)
}

// Bootstrap recursively walks root depth-first, opening a descriptor and
// queuing a kqueue registration for every non-ignored directory and file
// (spec.md §4.1 "Bootstrap").
func (w *Watcher) Bootstrap() error {
	ino, isDir, _, err := statInode(w.root)
	if err != nil {
		return fmt.Errorf("watcher: bootstrap: stat root %q: %w", w.root, err)
	}
	if !isDir {
		return fmt.Errorf("watcher: bootstrap: root %q is not a directory", w.root)
	}
	w.rootIno = ino
	return w.walk(w.root)
}

func (w *Watcher) walk(path string) error {
	ino, _, _, err := statInode(path)
	if err != nil {
		return fmt.Errorf("watcher: bootstrap: stat %q: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("watcher: bootstrap: open %q: %w", path, err)
	}
	dir := &DirEntry{Fd: fd, Path: path, Files: map[InodeId]struct{}{}, Dirs: map[InodeId]struct{}{}}
	w.register(ino, dir, fd)
	w.log.Debug("registered dir", slog.String("path", path), slog.Uint64("inode", ino))

	names, err := readDirNames(path)
	if err != nil {
		return fmt.Errorf("watcher: bootstrap: readdir %q: %w", path, err)
	}
	for _, name := range names {
		childPath := filepath.Join(path, name)
		cIno, cIsDir, cIsRegular, err := statInode(childPath)
		if err != nil {
			w.log.Warn("bootstrap stat failed, skipping", slog.String("path", childPath), slog.Any("err", err))
			continue
		}
		switch {
		case cIsDir:
			if w.ignore.Dir(name) {
				w.log.Debug("ignoring dir", slog.String("path", childPath))
				continue
			}
			if err := w.walk(childPath); err != nil {
				w.log.Warn("bootstrap walk failed, skipping subtree", slog.String("path", childPath), slog.Any("err", err))
				continue
			}
			dir.Dirs[cIno] = struct{}{}
		case cIsRegular:
			if w.ignore.File(name) {
				w.log.Debug("ignoring file", slog.String("path", childPath))
				continue
			}
			cfd, err := unix.Open(childPath, unix.O_RDONLY, 0)
			if err != nil {
				w.log.Warn("bootstrap open failed, skipping", slog.String("path", childPath), slog.Any("err", err))
				continue
			}
			file := &FileEntry{Fd: cfd, Name: name, Parent: path}
			w.register(cIno, file, cfd)
			dir.Files[cIno] = struct{}{}
			w.log.Debug("registered file", slog.String("path", childPath), slog.Uint64("inode", cIno))
		default:
			// not a regular file or directory: hard/symlinks are out of
			// scope (spec.md §1 non-goals).
		}
	}
	return nil
}

// register inserts e into the inode table, maps its descriptor back to ino
// for O(1) notification routing, and queues the kqueue registration request.
//
// The kernel-notification cookie routing spec.md §9 describes is realized
// here as an fd-keyed map rather than kqueue's Udata field: Kevent_t.Udata's
// underlying type differs across the five BSD kernels this package targets,
// while Ident always echoes back the fd supplied at registration time and
// §3's invariant ("a descriptor appears in InodeMap at most once") makes
// that fd a stable 1:1 key on its own.
func (w *Watcher) register(ino InodeId, e entry, fd int) {
	w.inodes[ino] = e
	w.fdInode[fd] = ino
	var kev unix.Kevent_t
	unix.SetKevent(&kev, fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR)
	kev.Fflags = vnodeFflags
	w.pending = append(w.pending, kev)
}

// Run starts the event loop: emit started, then repeatedly flush pending
// registrations to the kernel, wait up to w.wait for notifications, route
// each to the directory or file handler, and check the shutdown control
// channel non-blockingly (spec.md §4.1 "Event loop"). Run returns nil after
// a clean shutdown (having emitted stopped), or a non-nil error when the
// started event cannot be sent or the kevent wait fails with anything other
// than EINTR/EAGAIN (after a best-effort stopped). Descriptor exhaustion does
// not end Run: an open that fails for it is logged and that entry skipped,
// like any other open failure. A failed send while handling a notification
// is logged and the loop continues.
func (w *Watcher) Run(sink Sink) error {
	w.sink = sink
	if err := w.emit(event.StartedEvent(nowUnix())); err != nil {
		return fmt.Errorf("watcher: emit started: %w", err)
	}
	w.log.Info("watcher started", slog.String("root", w.root))

	for {
		if control.Requested(w.control) {
			return w.shutdown()
		}

		events, err := w.flushAndWait()
		if err != nil {
			if isRetryable(err) {
				w.log.Debug("kevent wait interrupted, retrying", slog.Any("err", err))
				continue
			}
			w.log.Error("kevent wait failed fatally", slog.Any("err", err))
			_ = w.emit(event.StoppedEvent(nowUnix()))
			return fmt.Errorf("watcher: kevent: %w", err)
		}
		for _, kv := range events {
			w.route(kv)
		}
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// flushAndWait submits every queued registration (ChangeList) and blocks for
// up to w.wait for returned notifications.
func (w *Watcher) flushAndWait() ([]unix.Kevent_t, error) {
	changes := w.pending
	w.pending = nil
	events := make([]unix.Kevent_t, 64)
	ts := unix.NsecToTimespec(w.wait.Nanoseconds())
	n, err := unix.Kevent(w.kq, changes, events, &ts)
	if err != nil {
		return nil, err
	}
	return events[:n], nil
}

// shutdown closes every tracked descriptor and the kqueue, then emits
// stopped (spec.md §5 "Cancellation and timeout").
func (w *Watcher) shutdown() error {
	w.log.Info("shutdown requested")
	for ino, e := range w.inodes {
		if err := unix.Close(e.fd()); err != nil {
			w.log.Warn("descriptor close failed", slog.Uint64("inode", ino), slog.Any("err", err))
		}
	}
	w.inodes = make(InodeMap)
	w.fdInode = make(map[int]InodeId)
	if err := unix.Close(w.kq); err != nil {
		w.log.Warn("kqueue close failed", slog.Any("err", err))
	}
	return w.emit(event.StoppedEvent(nowUnix()))
}

func (w *Watcher) emit(e event.Event) error {
	if w.sink == nil {
		return nil
	}
	if err := w.sink.Send(e); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	w.log.Info("emitted event", slog.String("type", e.Type.String()), slog.Uint64("inode", e.Inode), slog.String("name", e.Name))
	return nil
}

// route dispatches a returned kevent to the directory or file handler by
// looking up the inode its fd (Ident) was registered under.
func (w *Watcher) route(kv unix.Kevent_t) {
	fd := int(kv.Ident)
	ino, ok := w.fdInode[fd]
	if !ok {
		return // stale notification for an already-closed descriptor
	}
	switch e := w.inodes[ino].(type) {
	case *DirEntry:
		w.handleDir(ino, e, uint32(kv.Fflags))
	case *FileEntry:
		w.handleFile(ino, e, uint32(kv.Fflags))
	}
}

// handleDir implements spec.md §4.1's directory event handler. Flags are
// evaluated independently; a delete short-circuits the remaining checks
// since the entry no longer exists to act on.
func (w *Watcher) handleDir(ino InodeId, d *DirEntry, fflags uint32) {
	if fflags&unix.NOTE_RENAME != 0 && ino != w.rootIno {
		w.renameDir(ino, d)
	}
	if fflags&unix.NOTE_DELETE != 0 {
		w.deleteEntry(ino, d)
		return
	}
	if fflags&unix.NOTE_WRITE != 0 {
		if _, ok := w.inodes[ino]; ok {
			w.reconcileDir(ino, d)
		}
	}
	if fflags&unix.NOTE_ATTRIB != 0 {
		w.log.Debug("dir attrib", slog.Uint64("inode", ino), slog.String("path", d.Path))
	}
}

// handleFile implements spec.md §4.1's file event handler.
func (w *Watcher) handleFile(ino InodeId, f *FileEntry, fflags uint32) {
	if fflags&unix.NOTE_RENAME != 0 {
		w.renameFile(ino, f)
	}
	if fflags&unix.NOTE_DELETE != 0 {
		w.deleteEntry(ino, f)
		return
	}
	if fflags&unix.NOTE_WRITE != 0 {
		if _, ok := w.inodes[ino]; ok {
			if err := w.emit(event.New(event.Write, ino, nowUnix(), f.Name, f.Fd)); err != nil {
				w.log.Error("emit write failed", slog.Any("err", err))
			}
		}
	}
	if fflags&unix.NOTE_ATTRIB != 0 {
		w.log.Debug("file attrib", slog.Uint64("inode", ino), slog.String("name", f.Name))
	}
}

// deleteEntry removes ino, closes its descriptor, and emits delete with the
// name semantics spec.md §6 assigns by kind (basename for files, recorded
// path for directories).
func (w *Watcher) deleteEntry(ino InodeId, e entry) {
	var name string
	switch v := e.(type) {
	case *DirEntry:
		name = v.Path
	case *FileEntry:
		name = v.Name
	}
	fd := e.fd()
	delete(w.inodes, ino)
	delete(w.fdInode, fd)
	if err := unix.Close(fd); err != nil {
		w.log.Warn("descriptor close failed", slog.Uint64("inode", ino), slog.Any("err", err))
	}
	if err := w.emit(event.New(event.Delete, ino, nowUnix(), name, 0)); err != nil {
		w.log.Error("emit delete failed", slog.Any("err", err))
	}
	w.log.Debug("unregistered", slog.Uint64("inode", ino), slog.String("name", name))
}

// renameDir implements directory-rename reconciliation (spec.md §4.1): the
// descriptor stays valid across rename, so only the path string and every
// descendant's recorded path need recomputing.
func (w *Watcher) renameDir(ino InodeId, d *DirEntry) {
	parentPath := filepath.Dir(d.Path)
	newName, err := findNameByInode(parentPath, ino)
	if err != nil {
		w.log.Warn("rename reconciliation: could not locate new name", slog.Uint64("inode", ino), slog.String("old_path", d.Path), slog.Any("err", err))
		return
	}
	oldPath := d.Path
	newPath := filepath.Join(parentPath, newName)
	d.Path = newPath
	w.rewriteDescendants(d, oldPath, newPath)

	if err := w.emit(event.New(event.RenameDir, ino, nowUnix(), newPath, d.Fd)); err != nil {
		w.log.Error("emit rename_dir failed", slog.Any("err", err))
	}
	w.log.Debug("dir renamed", slog.Uint64("inode", ino), slog.String("old_path", oldPath), slog.String("new_path", newPath))
}

// rewriteDescendants recursively rewrites every descendant DirEntry.Path and
// FileEntry.Parent from oldPrefix to newPrefix (spec.md §4.1 step 3, §9
// "Recursive path rewrite on directory rename" — safe eagerly since no
// concurrent mutator exists).
func (w *Watcher) rewriteDescendants(d *DirEntry, oldPrefix, newPrefix string) {
	for fIno := range d.Files {
		if fe, ok := w.inodes.file(fIno); ok {
			fe.Parent = rewritePrefix(fe.Parent, oldPrefix, newPrefix)
		}
	}
	for cIno := range d.Dirs {
		if ce, ok := w.inodes.dir(cIno); ok {
			ce.Path = rewritePrefix(ce.Path, oldPrefix, newPrefix)
			w.rewriteDescendants(ce, oldPrefix, newPrefix)
		}
	}
}

func rewritePrefix(path, oldPrefix, newPrefix string) string {
	if path == oldPrefix {
		return newPrefix
	}
	if rest, ok := strings.CutPrefix(path, oldPrefix+string(filepath.Separator)); ok {
		return filepath.Join(newPrefix, rest)
	}
	return path
}

// renameFile implements spec.md §4.1's file-rename handling: it locates the
// file's new location to compute the joined path the rename_file event
// carries, but deliberately does not persist that location into f itself —
// the parent directory's next write reconciliation updates FileEntry.Name
// and FileEntry.Parent lazily, because the kernel keeps notifying on this
// same descriptor regardless of which directory now contains it.
func (w *Watcher) renameFile(ino InodeId, f *FileEntry) {
	parent, name, ok := w.locateRenamedFile(ino, f.Parent)
	if !ok {
		w.log.Warn("rename reconciliation: could not locate file's new location", slog.Uint64("inode", ino), slog.String("old_name", f.Name))
		return
	}
	newPath := filepath.Join(parent, name)
	if err := w.emit(event.New(event.RenameFile, ino, nowUnix(), newPath, f.Fd)); err != nil {
		w.log.Error("emit rename_file failed", slog.Any("err", err))
	}
	w.log.Debug("file renamed", slog.Uint64("inode", ino), slog.String("old_name", f.Name), slog.String("new_path", newPath))
}

// locateRenamedFile first checks the file's previously recorded parent (the
// common in-place-rename case), then falls back to scanning every other
// known directory to cover a move across watched directories.
func (w *Watcher) locateRenamedFile(ino InodeId, oldParent string) (parent, name string, ok bool) {
	if n, err := findNameByInode(oldParent, ino); err == nil {
		return oldParent, n, true
	}
	for _, e := range w.inodes {
		d, isDir := e.(*DirEntry)
		if !isDir || d.Path == oldParent {
			continue
		}
		if n, err := findNameByInode(d.Path, ino); err == nil {
			return d.Path, n, true
		}
	}
	return "", "", false
}

// reconcileDir implements directory-content reconciliation (spec.md §4.1):
// enumerate d's current children, diff against its recorded file/dir inode
// sets, register and emit for anything new, and drop anything gone (whose
// own delete notification will clean up InodeMap independently).
func (w *Watcher) reconcileDir(ino InodeId, d *DirEntry) {
	names, err := readDirNames(d.Path)
	if err != nil {
		w.log.Warn("reconciliation: readdir failed, will retry next notification", slog.String("path", d.Path), slog.Any("err", err))
		return
	}

	seenFiles := make(map[InodeId]struct{}, len(d.Files))
	seenDirs := make(map[InodeId]struct{}, len(d.Dirs))

	for _, name := range names {
		childPath := filepath.Join(d.Path, name)
		cIno, cIsDir, cIsRegular, err := statInode(childPath)
		if err != nil {
			// transient race: treat as child-absent for this pass, spec.md
			// §4.1 "A transient FileNotFoundError during enumeration".
			continue
		}
		switch {
		case cIsDir:
			if w.ignore.Dir(name) {
				continue
			}
			seenDirs[cIno] = struct{}{}
			// Known-ness is decided against the global InodeMap, not d's own
			// child set (spec.md §4.1: "For each child inode already in
			// InodeMap: update its recorded name/parent if changed; keep the
			// existing descriptor"), so a directory moved in from another
			// watched directory is recognized here too rather than treated
			// as a fresh create_dir with a second, leaked descriptor.
			if de, ok := w.inodes.dir(cIno); ok {
				d.Dirs[cIno] = struct{}{}
				if de.Path != childPath {
					// Ordinarily this directory's own NOTE_RENAME
					// notification owns this update via renameDir. Rewrite
					// descendants here too in case this directory's parent
					// NOTE_WRITE is processed first in the same kevent
					// batch, so the §3 prefix invariant never goes stale.
					oldPath := de.Path
					de.Path = childPath
					w.rewriteDescendants(de, oldPath, childPath)
				}
				continue
			}
			w.adoptDir(d, cIno, childPath)
		case cIsRegular:
			if w.ignore.File(name) {
				continue
			}
			seenFiles[cIno] = struct{}{}
			if fe, ok := w.inodes.file(cIno); ok {
				// Already tracked, possibly still recorded under a
				// different parent (a move across watched directories,
				// spec.md §4.1 scenario 4): keep its existing descriptor,
				// just adopt it here instead of opening a second one.
				d.Files[cIno] = struct{}{}
				fe.Name = name
				fe.Parent = d.Path
				continue
			}
			w.adoptFile(d, cIno, name)
		}
	}

	for childIno := range d.Files {
		if _, ok := seenFiles[childIno]; !ok {
			delete(d.Files, childIno)
		}
	}
	for childIno := range d.Dirs {
		if _, ok := seenDirs[childIno]; !ok {
			delete(d.Dirs, childIno)
		}
	}
}

// adoptFile opens a fresh descriptor for a newly observed child file,
// registers it, records it under parent, and emits create_file.
func (w *Watcher) adoptFile(parent *DirEntry, ino InodeId, name string) {
	path := filepath.Join(parent.Path, name)
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		w.log.Warn("reconciliation: open failed, skipping", slog.String("path", path), slog.Any("err", err))
		return
	}
	fe := &FileEntry{Fd: fd, Name: name, Parent: parent.Path}
	w.register(ino, fe, fd)
	parent.Files[ino] = struct{}{}
	if err := w.emit(event.New(event.CreateFile, ino, nowUnix(), name, fd)); err != nil {
		w.log.Error("emit create_file failed", slog.Any("err", err))
	}
	w.log.Debug("registered file", slog.String("path", path), slog.Uint64("inode", ino))
}

// adoptDir opens a fresh descriptor for a newly observed child directory,
// registers it, records it under parent, emits create_dir, and recurses to
// discover any content the directory already had at the moment it was
// noticed (spec.md §4.1 "If it is a directory, recurse into it").
func (w *Watcher) adoptDir(parent *DirEntry, ino InodeId, path string) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		w.log.Warn("reconciliation: open failed, skipping", slog.String("path", path), slog.Any("err", err))
		return
	}
	de := &DirEntry{Fd: fd, Path: path, Files: map[InodeId]struct{}{}, Dirs: map[InodeId]struct{}{}}
	w.register(ino, de, fd)
	parent.Dirs[ino] = struct{}{}
	if err := w.emit(event.New(event.CreateDir, ino, nowUnix(), path, 0)); err != nil {
		w.log.Error("emit create_dir failed", slog.Any("err", err))
	}
	w.log.Debug("registered dir", slog.String("path", path), slog.Uint64("inode", ino))
	w.reconcileDir(ino, de)
}

// findNameByInode scans dirPath for the child basename whose stat-inode
// equals ino, used by rename reconciliation to recover a new path from a
// bare rename notification (spec.md §4.1 "Lists the parent ... to find the
// new basename of the inode").
func findNameByInode(dirPath string, ino InodeId) (string, error) {
	names, err := readDirNames(dirPath)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		childIno, _, _, err := statInode(filepath.Join(dirPath, name))
		if err != nil {
			continue
		}
		if childIno == ino {
			return name, nil
		}
	}
	return "", fmt.Errorf("no child of %q has inode %d", dirPath, ino)
}

// readDirNames lists the basenames directly inside path.
func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// statInode stats path and reports its inode plus a minimal type
// classification, using golang.org/x/sys/unix rather than the stdlib
// syscall or os packages so the watcher's filesystem calls stay on one
// import for its whole kqueue-facing surface.
func statInode(path string) (ino InodeId, isDir, isRegular bool, err error) {
	var st unix.Stat_t
	if err = unix.Stat(path, &st); err != nil {
		return 0, false, false, err
	}
	mode := uint32(st.Mode) & uint32(unix.S_IFMT)
	switch mode {
	case uint32(unix.S_IFDIR):
		isDir = true
	case uint32(unix.S_IFREG):
		isRegular = true
	}
	return uint64(st.Ino), isDir, isRegular, nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
