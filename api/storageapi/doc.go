// Package storageapi serves the record storage HTTP API and provides a Go
// client for it.
//
// Routes:
//
//	GET    /list        summaries of matching record versions
//	PUT    /put         create a record or a new version of one
//	GET    /get         payload and metadata of one version
//	HEAD   /head        metadata of one version
//	DELETE /delete      tombstone a record and schedule its removal
//	POST   /references  adjust a record's reference count
//	POST   /fsck        repair leftovers of interrupted writes
//
// All record routes take the instance/record/version selector as query
// parameters. A put stores the payload blob first and only then commits the
// version, so a failed put never leaves a version behind.
//
// # Usage Example
//
//	client := storageapi.NewClient("http://127.0.0.1:8080")
//	put, err := client.Put(ctx, interfaces.Selector{}, []byte("hello"), api.PutOptions{Tags: []string{"note"}})
//	if err != nil {
//		return err
//	}
//	_, payload, err := client.Get(ctx, interfaces.Selector{Record: interfaces.Specific(put.RecordID)})
package storageapi
