package fileserve

import (
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mbenkmann/golib/util"
)

// nextID hands out ETag/Id values that never repeat across a process
// lifetime, even across restarts: seeding the counter from the current
// Unix time and reserving its low bits means two servers started a second
// apart still can't collide on an Id a client might have cached.
var nextID = util.Counter(uint64(time.Now().Unix()) << 10)

var emptyDir = map[string]*File{}

// Manager serves a directory tree, optionally rescanning it in the
// background as files change.
type Manager struct {
	inotify int

	root *File

	// mutex protects root.Contents from concurrent Lookup/rescan access.
	mutex sync.RWMutex

	handling []Handling
}

// NewManager scans rootdir and returns a Manager for it. It does not
// return until the initial scan completes; call Watch in a goroutine
// afterwards to keep the tree in sync with the filesystem.
func NewManager(rootdir string, handling []Handling) (*Manager, error) {
	root := &File{
		Info:     &FileInfo{"", 0, os.ModeDir | 0777, time.Now(), true},
		Id:       0,
		Contents: map[string]*File{},
		Data:     rootdir,
	}
	m := &Manager{root: root, inotify: -1, handling: handling}
	if err := m.scan(rootdir, map[string]*File{}, root.Contents); err != nil {
		return nil, err
	}
	return m, nil
}

// Lookup resolves a cleaned, slash-separated request path ("" or "/" mean
// the tree root) to the File it names, descending into "index.html" when
// the path names a directory. ok is false when no such entry exists.
func (m *Manager) Lookup(reqPath string) (f *File, ok bool) {
	clean := path.Clean(reqPath)
	if clean != "" && clean[len(clean)-1] == '/' {
		clean = clean[:len(clean)-1]
	}
	if clean == "." || clean == "" || clean == "/" {
		clean = "/index.html"
	}

	parts := strings.Split(clean, "/")

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	dir := m.root.Contents
	var x *File
	for _, name := range parts {
		if name == "" {
			continue
		}
		if x, ok = dir[name]; !ok {
			return nil, false
		}
		if x.Info.IsDir() {
			dir = x.Contents
		} else {
			dir = emptyDir
		}
	}
	if !ok {
		return nil, false
	}
	if x.Info.IsDir() {
		x, ok = dir["index.html"]
		if !ok {
			return nil, false
		}
	}
	return x, true
}

// Watch continuously rescans the directory tree whenever inotify reports
// a change below it, replacing the served tree atomically. It never
// returns; run it in its own goroutine.
func (m *Manager) Watch() {
	var buf [1024]byte

	for {
		if m.inotify >= 0 {
			if _, err := syscall.Read(m.inotify, buf[:]); err != nil {
				util.Log(0, "fileserve: inotify read: %v", err)
			}
			if err := syscall.Close(m.inotify); err != nil {
				util.Log(0, "fileserve: inotify close: %v", err)
			}
			m.inotify = -1
		}

		newTree := map[string]*File{}
		root := m.root.Data.(string)
		if err := m.scan(root, m.root.Contents, newTree); err != nil {
			util.Log(0, "fileserve: rescan of %v: %v", root, err)
			time.Sleep(30 * time.Second)
			continue
		}
		m.mutex.Lock()
		m.root.Contents = newTree
		m.mutex.Unlock()
		time.Sleep(5 * time.Second)
	}
}

// scan populates cur with the entries of dir, reusing Id values from old
// for files whose mtime and type are unchanged, and recurses into
// subdirectories. An inotify watch on dir is armed before Readdir so that
// no change occurring between the two is missed.
func (m *Manager) scan(dir string, old, cur map[string]*File) error {
	var err error
	if m.inotify < 0 {
		m.inotify, err = syscall.InotifyInit()
		if err != nil {
			return err
		}
	}

	_, err = syscall.InotifyAddWatch(m.inotify, dir,
		syscall.IN_CLOSE_WRITE|syscall.IN_CREATE|syscall.IN_DELETE|
			syscall.IN_DELETE_SELF|syscall.IN_MOVE_SELF|
			syscall.IN_MOVED_FROM|syscall.IN_MOVED_TO|syscall.IN_ONESHOT)
	if err != nil {
		return err
	}

	util.Log(2, "fileserve: scanning %v", dir)
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	fis, err := d.Readdir(-1)
	d.Close()
	if err != nil {
		return err
	}

	var dirs []string
	var gzipAliasNames []string
	var gzipAliasFiles []*File

	for _, fi := range fis {
		name := fi.Name()

		hand := 0
		for hand < len(m.handling) {
			if m.handling[hand].Match.MatchString(name) {
				break
			}
			hand++
		}

		n := &File{Info: fi, Data: dir}

		unchanged := false
		if o, ok := old[name]; ok && o.Info.ModTime().Equal(fi.ModTime()) && o.Info.IsDir() == n.Info.IsDir() {
			n.Id = o.Id
			unchanged = true
		} else {
			n.Id = <-nextID
		}

		if hand < len(m.handling) && !n.Info.IsDir() && m.handling[hand].Gzip != "" {
			alias := m.handling[hand].Match.ReplaceAllString(name, m.handling[hand].Gzip)
			aliasFile := *n
			aliasFile.Gzip = true
			gzipAliasNames = append(gzipAliasNames, alias)
			gzipAliasFiles = append(gzipAliasFiles, &aliasFile)
		}

		if hand < len(m.handling) && m.handling[hand].Hide {
			util.Log(2, "fileserve: hidden %v", name)
			continue
		}

		cur[name] = n
		if n.Info.IsDir() {
			dirs = append(dirs, name)
			n.Contents = map[string]*File{}
		}
	}

	for i := range gzipAliasNames {
		if _, conflict := cur[gzipAliasNames[i]]; conflict {
			util.Log(2, "fileserve: gzip alias %v => %v conflicts, skipped",
				gzipAliasNames[i], gzipAliasFiles[i].Info.Name())
			continue
		}
		cur[gzipAliasNames[i]] = gzipAliasFiles[i]
	}

	for _, subdir := range dirs {
		oldMap := emptyDir
		if o := old[subdir]; o != nil && o.Info.IsDir() {
			oldMap = o.Contents
		}
		if err := m.scan(path.Join(dir, subdir), oldMap, cur[subdir].Contents); err != nil {
			return err
		}
	}

	return nil
}
