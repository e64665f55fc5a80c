// Package registry provides the mutex-guarded singly-linked list that
// tracks registered sampling threads.
package registry

import "sync"

type node[T comparable] struct {
	val  T
	next *node[T]
}

// List is a singly-linked list guarded by a mutex. Mutation and plain
// walks take the lock; TryWalk gives up immediately when the lock is
// contended so that the signal broadcast path never blocks behind a
// registration or removal in progress.
type List[T comparable] struct {
	mu struct {
		sync.Mutex
		head *node[T]
		len  int
	}
}

// Add inserts v at the head of the list.
func (l *List[T]) Add(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.head = &node[T]{val: v, next: l.mu.head}
	l.mu.len++
}

// Remove unlinks the first node equal to v and reports whether one was
// found.
func (l *List[T]) Remove(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := &l.mu.head; *p != nil; p = &(*p).next {
		if (*p).val == v {
			*p = (*p).next
			l.mu.len--
			return true
		}
	}
	return false
}

// Len returns the number of elements in the list.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mu.len
}

// Walk calls fn for each element, holding the lock for the duration.
func (l *List[T]) Walk(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for n := l.mu.head; n != nil; n = n.next {
		fn(n.val)
	}
}

// TryWalk is Walk, except that it returns false without calling fn at all
// if the lock is held by somebody else.
func (l *List[T]) TryWalk(fn func(T)) bool {
	if !l.mu.TryLock() {
		return false
	}
	defer l.mu.Unlock()
	for n := l.mu.head; n != nil; n = n.next {
		fn(n.val)
	}
	return true
}
