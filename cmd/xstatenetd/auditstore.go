package main

import "github.com/xstatenet/core/pkg/appendlog"

func newAppendLogStore(dir string) (appendlog.Store, error) {
	return appendlog.NewFSStore(appendlog.DefaultFSStoreConfig(dir))
}
