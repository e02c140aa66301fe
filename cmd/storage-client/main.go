package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/mzekb/mze-storage/api"
	"github.com/mzekb/mze-storage/api/storageapi"
	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/resolver"
	"github.com/urfave/cli/v2"
)

var flagServerAddr = &cli.StringFlag{
	Name:    "server-addr",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"MZE_STORAGE_ADDR"},
	Usage:   "storage server to request",
}

var selectorFlags = []cli.Flag{
	&cli.StringFlag{Name: resolver.ParamInstance, Usage: "instance id, 'any' or 'all'"},
	&cli.StringFlag{Name: resolver.ParamRecord, Usage: "record id"},
	&cli.StringFlag{Name: resolver.ParamVersion, Usage: "version id or 'all'"},
}

// ProviderFunc connects to the storage server at addr.
type ProviderFunc func(addr string) api.StorageProvider

func main() {
	app := newApp(func(addr string) api.StorageProvider {
		return storageapi.NewClient(addr)
	})
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(connect ProviderFunc) *cli.App {
	provider := func(cCtx *cli.Context) api.StorageProvider {
		return connect(cCtx.String(flagServerAddr.Name))
	}

	return &cli.App{
		Name:  "storage-client",
		Usage: "Read and write records on a storage server",
		Flags: []cli.Flag{flagServerAddr},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list version summaries matching the selector",
				Flags: selectorFlags,
				Action: func(cCtx *cli.Context) error {
					sel, err := selectorFromFlags(cCtx)
					if err != nil {
						return err
					}
					out, err := provider(cCtx).List(cCtx.Context, sel)
					if err != nil {
						return err
					}
					return printJSON(cCtx, out)
				},
			},
			{
				Name:  "put",
				Usage: "create a record, or a new version of --record",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "payload file, '-' for stdin; empty keeps the previous payload"},
					&cli.StringSliceFlag{Name: "tag", Usage: "tag to set; replaces all tags when given"},
					&cli.StringSliceFlag{Name: "attr", Usage: "key=value attribute; replaces all attributes when given"},
					&cli.StringFlag{Name: "uri", Usage: "external URI of the record"},
					&cli.StringFlag{Name: "mime-type", Usage: "payload MIME type"},
				}, selectorFlags...),
				Action: func(cCtx *cli.Context) error {
					sel, err := selectorFromFlags(cCtx)
					if err != nil {
						return err
					}
					payload, err := readPayload(cCtx, cCtx.String("file"))
					if err != nil {
						return err
					}
					opts, err := putOptions(cCtx)
					if err != nil {
						return err
					}
					out, err := provider(cCtx).Put(cCtx.Context, sel, payload, opts)
					if err != nil {
						return err
					}
					return printJSON(cCtx, out)
				},
			},
			{
				Name:  "get",
				Usage: "fetch one version's payload",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write the payload to this file instead of stdout"},
				}, selectorFlags...),
				Action: func(cCtx *cli.Context) error {
					sel, err := selectorFromFlags(cCtx)
					if err != nil {
						return err
					}
					_, payload, err := provider(cCtx).Get(cCtx.Context, sel)
					if err != nil {
						return err
					}
					if path := cCtx.String("out"); path != "" {
						return os.WriteFile(path, payload, 0o644)
					}
					_, err = cCtx.App.Writer.Write(payload)
					return err
				},
			},
			{
				Name:  "head",
				Usage: "show one version's metadata",
				Flags: selectorFlags,
				Action: func(cCtx *cli.Context) error {
					sel, err := selectorFromFlags(cCtx)
					if err != nil {
						return err
					}
					info, err := provider(cCtx).Head(cCtx.Context, sel)
					if err != nil {
						return err
					}
					return printJSON(cCtx, info)
				},
			},
			{
				Name:  "delete",
				Usage: "tombstone the records matching the selector",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "reason recorded in the tombstone"},
				}, selectorFlags...),
				Action: func(cCtx *cli.Context) error {
					sel, err := selectorFromFlags(cCtx)
					if err != nil {
						return err
					}
					out, err := provider(cCtx).Delete(cCtx.Context, sel, cCtx.String("reason"))
					if err != nil {
						return err
					}
					return printJSON(cCtx, out)
				},
			},
			{
				Name:  "references",
				Usage: "adjust the reference count of a record",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: resolver.ParamRecord, Required: true, Usage: "record id"},
					&cli.Int64Flag{Name: "delta", Value: 1, Usage: "amount to add; negative to release"},
				},
				Action: func(cCtx *cli.Context) error {
					record, err := interfaces.ParseRecordID(cCtx.String(resolver.ParamRecord))
					if err != nil {
						return err
					}
					out, err := provider(cCtx).AdjustReferences(cCtx.Context, record, cCtx.Int64("delta"))
					if err != nil {
						return err
					}
					return printJSON(cCtx, out)
				},
			},
			{
				Name:  "fsck",
				Usage: "repair leftovers of interrupted writes on the server",
				Action: func(cCtx *cli.Context) error {
					out, err := provider(cCtx).Fsck(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(cCtx, out)
				},
			},
		},
	}
}

func selectorFromFlags(cCtx *cli.Context) (interfaces.Selector, error) {
	query := url.Values{}
	for _, name := range []string{resolver.ParamInstance, resolver.ParamRecord, resolver.ParamVersion} {
		if v := cCtx.String(name); v != "" {
			query.Set(name, v)
		}
	}
	return resolver.ParseSelector(query)
}

func readPayload(cCtx *cli.Context, path string) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(cCtx.App.Reader)
	}
	return os.ReadFile(path)
}

func putOptions(cCtx *cli.Context) (api.PutOptions, error) {
	var opts api.PutOptions
	if cCtx.IsSet("tag") {
		opts.Tags = cCtx.StringSlice("tag")
	}
	if cCtx.IsSet("attr") {
		opts.Attributes = make(map[string]string)
		for _, kv := range cCtx.StringSlice("attr") {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return opts, fmt.Errorf("attribute %q is not key=value", kv)
			}
			opts.Attributes[key] = value
		}
	}
	if cCtx.IsSet("uri") {
		uri := cCtx.String("uri")
		opts.URI = &uri
	}
	opts.MIMEType = cCtx.String("mime-type")
	return opts, nil
}

func printJSON(cCtx *cli.Context, v any) error {
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
