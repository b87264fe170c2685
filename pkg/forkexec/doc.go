// Package forkexec starts a child process with raw clone and execve so that
// the child can run steps a multithreaded Go process cannot run itself:
// joining a user namespace with setns(CLONE_NEWUSER) and assuming its root
// ids right before the program image is replaced.
//
// setns requires kernel >= 3.8, execveat requires kernel >= 3.19
package forkexec
