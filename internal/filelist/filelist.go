// Package filelist maintains per-group shared-file XML trees: it walks a
// group's shared roots, reconciles them against a cached Directory/File
// tree (so TTH is never recomputed for an unchanged file), and serializes
// the result to "#<group>.xml" and its "#<group>.xml.bz2" compressed
// counterpart, as real NMDC clients publish their share.
package filelist

import (
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/dcshare/internal/nmdcproto"
	"github.com/cenkalti/dcshare/internal/tth"
	"github.com/dsnet/compress/bzip2"
)

// FileListVersion is the Version attribute dcshare advertises.
const FileListVersion = "1"

// Generator identifies dcshare as the software that produced the listing.
const Generator = "dcshare"

// Tree is the root FileListing document for one group.
type Tree struct {
	XMLName   xml.Name     `xml:"FileListing"`
	Version   string       `xml:"Version,attr"`
	CID       string       `xml:"CID,attr"`
	Base      string       `xml:"Base,attr"`
	Generator string       `xml:"Generator,attr"`
	Dirs      []*Directory `xml:"Directory,omitempty"`
	Files     []*File      `xml:"File,omitempty"`
}

// Directory is an interior node of the shared-files tree.
type Directory struct {
	XMLName xml.Name     `xml:"Directory"`
	Name    string       `xml:"Name,attr"`
	Dirs    []*Directory `xml:"Directory,omitempty"`
	Files   []*File      `xml:"File,omitempty"`
}

// File is a leaf of the shared-files tree.
type File struct {
	XMLName xml.Name `xml:"File"`
	Name    string   `xml:"Name,attr"`
	Size    int64    `xml:"Size,attr"`
	TTH     string   `xml:"TTH,attr"`
}

type cacheKey struct {
	path string
	size int64
	mtime int64
}

type group struct {
	roots []string
	tree  *Tree
	cache map[cacheKey]string // path+size+mtime -> TTH, content-addressed (Design Notes §9)
}

// Store owns every group's shared-files tree and publishes it to disk.
type Store struct {
	mu       sync.Mutex
	dir      string
	clientID string
	groups   map[string]*group
}

// NewStore returns a Store that writes compressed listings under dir.
func NewStore(dir, clientID string) *Store {
	return &Store{
		dir:      dir,
		clientID: clientID,
		groups:   make(map[string]*group),
	}
}

func (s *Store) groupFor(name string) *group {
	g, ok := s.groups[name]
	if !ok {
		g = &group{cache: make(map[cacheKey]string)}
		s.groups[name] = g
	}
	return g
}

// AddRoot registers path as a shared root for group (filelist_add).
func (s *Store) AddRoot(groupName, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groupFor(groupName)
	for _, r := range g.roots {
		if r == path {
			return
		}
	}
	g.roots = append(g.roots, path)
}

// RemoveRoot unregisters path from group (filelist_remove).
func (s *Store) RemoveRoot(groupName, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupName]
	if !ok {
		return
	}
	for i, r := range g.roots {
		if r == path {
			g.roots = append(g.roots[:i], g.roots[i+1:]...)
			return
		}
	}
}

// Roots returns every group's registered shared roots, for persisting
// across restarts (spec.md §6 "_filelist").
func (s *Store) Roots() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.groups))
	for name, g := range s.groups {
		if len(g.roots) == 0 {
			continue
		}
		out[name] = append([]string(nil), g.roots...)
	}
	return out
}

// RestoreRoots re-registers a prior snapshot's shared roots, skipping any
// path a group already has (AddRoot's own dedup, taken under the same
// lock here since RestoreRoots is called once at startup before any
// concurrent AddRoot/RemoveRoot caller exists).
func (s *Store) RestoreRoots(roots map[string][]string) {
	for name, paths := range roots {
		for _, path := range paths {
			s.AddRoot(name, path)
		}
	}
}

// RenameGroup moves a group's cache and roots to a new name.
func (s *Store) RenameGroup(oldName, newName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[oldName]
	if !ok {
		return
	}
	delete(s.groups, oldName)
	s.groups[newName] = g
}

// Delete drops a group's in-memory tree and on-disk listing.
func (s *Store) Delete(groupName string) error {
	s.mu.Lock()
	delete(s.groups, groupName)
	s.mu.Unlock()
	for _, ext := range []string{".xml", ".xml.bz2"} {
		path := s.listingPath(groupName, ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *Store) listingPath(groupName, ext string) string {
	return filepath.Join(s.dir, "#"+nmdcproto.EscapeFilename(groupName)+ext)
}

// ListingPath returns the compressed listing's path for group, the literal
// identifier ADCGET's "file files.xml.bz2" requests resolve to per group.
func (s *Store) ListingPath(groupName string) string {
	return s.listingPath(groupName, ".xml.bz2")
}

// Generate walks group's shared roots, reconciles the tree, and publishes
// both the ".xml" and ".xml.bz2" forms (filelist_generate).
func (s *Store) Generate(groupName string) error {
	s.mu.Lock()
	g := s.groupFor(groupName)
	roots := append([]string(nil), g.roots...)
	s.mu.Unlock()

	tree := &Tree{
		Version:   FileListVersion,
		CID:       s.clientID,
		Base:      "/",
		Generator: Generator,
	}
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			continue // missing root: skip silently, removable storage may be absent
		}
		if !info.IsDir() {
			f, err := s.fileNode(g, root, info)
			if err == nil {
				tree.Files = append(tree.Files, f)
			}
			continue
		}
		dir, err := s.walkDir(g, root)
		if err != nil {
			continue
		}
		dir.Name = filepath.Base(root)
		tree.Dirs = append(tree.Dirs, dir)
	}

	s.mu.Lock()
	g.tree = tree
	s.mu.Unlock()

	return s.publish(groupName, tree)
}

// RefreshAll regenerates every group's listing (filelist_refresh, per
// spec.md §9 open question 3: treated as calling Generate for every group).
func (s *Store) RefreshAll() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		if err := s.Generate(name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) walkDir(g *group, path string) (*Directory, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	dir := &Directory{}
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			child, err := s.walkDir(g, full)
			if err != nil {
				continue
			}
			child.Name = entry.Name()
			dir.Dirs = append(dir.Dirs, child)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		f, err := s.fileNode(g, full, info)
		if err != nil {
			continue
		}
		dir.Files = append(dir.Files, f)
	}
	return dir, nil
}

// fileNode reuses a cached TTH for (path,size,mtime) if present, otherwise
// hashes the file and caches the result. This preserves the teacher's
// "reuse nodes by (name,size) to avoid rehashing" behavior with a proper
// content-addressed cache key instead of XML-element identity.
func (s *Store) fileNode(g *group, path string, info os.FileInfo) (*File, error) {
	key := cacheKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}

	s.mu.Lock()
	cached, ok := g.cache[key]
	s.mu.Unlock()
	if ok {
		return &File{Name: filepath.Base(path), Size: info.Size(), TTH: cached}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := tth.Of(f)
	if err != nil {
		return nil, err
	}
	root := h.String()

	s.mu.Lock()
	g.cache[key] = root
	s.mu.Unlock()

	return &File{Name: filepath.Base(path), Size: info.Size(), TTH: root}, nil
}

// Lookup finds the on-disk path and size for a TTH within a group's tree.
func (s *Store) Lookup(groupName, rootTTH string) (path string, size int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, exists := s.groups[groupName]
	if !exists || g.tree == nil {
		return "", 0, false
	}
	if _, _, inTree := searchTTH(g.tree.Dirs, g.tree.Files, "", rootTTH); !inTree {
		return "", 0, false
	}
	// The tree holds virtual paths; the hash cache is keyed by the on-disk
	// path, so resolve through it and skip entries that changed on disk.
	for k, h := range g.cache {
		if h != rootTTH {
			continue
		}
		if info, err := os.Stat(k.path); err == nil && info.Size() == k.size && info.ModTime().UnixNano() == k.mtime {
			return k.path, k.size, true
		}
	}
	return "", 0, false
}

// Row is one matched entry returned by Match: a file (TTH non-empty) or a
// directory (TTH empty).
type Row struct {
	Path string
	Size int64
	TTH  string
	Dir  bool
}

// Match walks group's tree and returns every entry for which pred
// returns true, used by the search engine to evaluate a query against
// the local share (spec.md §4.7).
func (s *Store) Match(groupName string, pred func(name string, isDir bool, size int64, tth string) bool) []Row {
	s.mu.Lock()
	g, ok := s.groups[groupName]
	s.mu.Unlock()
	if !ok || g.tree == nil {
		return nil
	}
	var rows []Row
	matchWalk(g.tree.Dirs, g.tree.Files, "", pred, &rows)
	return rows
}

func matchWalk(dirs []*Directory, files []*File, prefix string, pred func(string, bool, int64, string) bool, rows *[]Row) {
	for _, f := range files {
		path := filepath.Join(prefix, f.Name)
		if pred(f.Name, false, f.Size, f.TTH) {
			*rows = append(*rows, Row{Path: path, Size: f.Size, TTH: f.TTH})
		}
	}
	for _, d := range dirs {
		path := filepath.Join(prefix, d.Name)
		if pred(d.Name, true, 0, "") {
			*rows = append(*rows, Row{Path: path, Dir: true})
		}
		matchWalk(d.Dirs, d.Files, path, pred, rows)
	}
}

func searchTTH(dirs []*Directory, files []*File, prefix, want string) (string, int64, bool) {
	for _, f := range files {
		if f.TTH == want {
			return filepath.Join(prefix, f.Name), f.Size, true
		}
	}
	for _, d := range dirs {
		if path, size, ok := searchTTH(d.Dirs, d.Files, filepath.Join(prefix, d.Name), want); ok {
			return path, size, true
		}
	}
	return "", 0, false
}

func (s *Store) publish(groupName string, tree *Tree) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	xmlPath := s.listingPath(groupName, ".xml")
	bz2Path := s.listingPath(groupName, ".xml.bz2")

	data, err := xml.MarshalIndent(tree, "", "  ")
	if err != nil {
		return err
	}
	full := append([]byte(xml.Header), data...)

	if err := os.WriteFile(xmlPath, full, 0o644); err != nil {
		return err
	}

	out, err := os.Create(bz2Path)
	if err != nil {
		return err
	}
	defer out.Close()

	bw, err := bzip2.NewWriter(out, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return err
	}
	if _, err := bw.Write(full); err != nil {
		bw.Close()
		return err
	}
	return bw.Close()
}

// Decompress inflates a ".xml.bz2" file written by publish back to plain
// XML, used when reassembling a downloaded file-list.
func Decompress(bz2Path, xmlPath string) error {
	in, err := os.Open(bz2Path)
	if err != nil {
		return err
	}
	defer in.Close()
	br, err := bzip2.NewReader(in, nil)
	if err != nil {
		return err
	}
	defer br.Close()

	out, err := os.Create(xmlPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, br)
	return err
}
