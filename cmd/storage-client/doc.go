// Package main (cmd/storage-client) is a command line client for the storage
// API.
//
//	storage-client put -f note.md --tag draft --mime-type text/markdown
//	storage-client put --record <id> --tag published
//	storage-client get --record <id> -o note.md
//	storage-client list --record <id> --version all
//	storage-client delete --record <id> --reason superseded
//	storage-client references --record <id> --delta 1
package main
