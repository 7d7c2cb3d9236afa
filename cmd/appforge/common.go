package main

import (
	"github.com/metalagman/appforge/internal/config"
	"github.com/metalagman/appforge/internal/db"
)

func openStore(cfg config.Config) (*db.Store, func(), error) {
	storeDB, err := db.Open(cfg.History.DBPath)
	if err != nil {
		return nil, func() {}, err
	}
	return db.NewStore(storeDB), func() { _ = storeDB.Close() }, nil
}
