package inode

import (
	"path"
	"sync"
)

// Dentry names an inode within its parent directory. A dentry holds one
// reference on its inode for as long as it is cached.
type Dentry struct {
	Name   string
	Parent *Dentry
	Inode  *Inode

	mu       sync.Mutex
	children map[string]*Dentry
}

func newDentry(parent *Dentry, name string, in *Inode) *Dentry {
	return &Dentry{Name: name, Parent: parent, Inode: in}
}

// Child returns the cached child named name, or nil.
func (d *Dentry) Child(name string) *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.children[name]
}

// Path returns the absolute path of d from its root.
func (d *Dentry) Path() string {
	if d.Parent == nil {
		return "/"
	}
	return path.Join(d.Parent.Path(), d.Name)
}

// attach links child under d and returns the entry it replaced, if any.
func (d *Dentry) attach(child *Dentry) *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.children == nil {
		d.children = make(map[string]*Dentry)
	}
	prev := d.children[child.Name]
	d.children[child.Name] = child
	return prev
}

func (d *Dentry) detach(child *Dentry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.children[child.Name] == child {
		delete(d.children, child.Name)
	}
}

func (d *Dentry) takeChildren() []*Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Dentry, 0, len(d.children))
	for _, c := range d.children {
		out = append(out, c)
	}
	d.children = nil
	return out
}
