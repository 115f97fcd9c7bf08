//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache"
	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/entities/compiledcode"
	"github.com/weaviate/codearchive/usecases/monitoring"
)

type dumpCommand struct {
	archiveArg
	Verify bool `long:"verify" description:"verify the archive checksum"`
}

func (c *dumpCommand) Execute(args []string) error {
	logger, cfg, err := setup(c.Args.Path)
	if err != nil {
		return err
	}
	sc, err := openScratch(cfg.Path, c.Verify || cfg.Verify, logger, monitoring.NewPrometheusMetrics(nil))
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer sc.session.Close(context.Background())

	h := sc.session.Header()
	fmt.Printf("archive %s\n", cfg.Path)
	fmt.Printf("version %d, %d bytes, %d entries, %d strings, %d preload, shared relative %t\n\n",
		h.Version, h.Size, h.EntriesCount, h.StringsCount, h.PreloadCount,
		h.Flags&archiveindex.HeaderFlagSharedRelative != 0)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKIND\tID\tLEVEL\tDECOMPILE\tCOMPILE ID\tSIZE\tFLAGS\tNAME")
	for i, e := range sc.session.Entries() {
		fmt.Fprintf(w, "%d\t%s\t%#x\t%d\t%d\t%d\t%d\t%s\t%s\n", i, e.Kind(), e.ID(),
			e.CompLevel(), e.Decompile(), e.CompileID(), e.Size(), e.Flags(), e.Name())
	}
	return w.Flush()
}

type statsCommand struct {
	archiveArg
}

type kindStats struct {
	count, bytes int
}

func (c *statsCommand) Execute(args []string) error {
	logger, cfg, err := setup(c.Args.Path)
	if err != nil {
		return err
	}
	sc, err := openScratch(cfg.Path, cfg.Verify, logger, monitoring.NewPrometheusMetrics(nil))
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer sc.session.Close(context.Background())

	kinds := map[archiveindex.Kind]*kindStats{}
	levels := map[int]int{}
	var notEntrant, preload, barriers int
	for _, e := range sc.session.Entries() {
		ks, ok := kinds[e.Kind()]
		if !ok {
			ks = &kindStats{}
			kinds[e.Kind()] = ks
		}
		ks.count++
		ks.bytes += e.Size()

		if e.Kind() == archiveindex.KindCode {
			levels[e.CompLevel()]++
		}
		if e.NotEntrant() {
			notEntrant++
		}
		if e.ForPreload() {
			preload++
		}
		if e.HasClinitBarriers() {
			barriers++
		}
	}

	h := sc.session.Header()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "archive size\t%d\n", h.Size)
	fmt.Fprintf(w, "strings\t%d\n", h.StringsCount)
	fmt.Fprintf(w, "not entrant\t%d\n", notEntrant)
	fmt.Fprintf(w, "for preload\t%d\n", preload)
	fmt.Fprintf(w, "class init barriers\t%d\n", barriers)
	for _, k := range []archiveindex.Kind{archiveindex.KindCode, archiveindex.KindStub, archiveindex.KindBlob} {
		if ks, ok := kinds[k]; ok {
			fmt.Fprintf(w, "%s entries\t%d\t%d bytes\n", k, ks.count, ks.bytes)
		}
	}
	for level := 0; level <= 255; level++ {
		if n, ok := levels[level]; ok {
			fmt.Fprintf(w, "level %d methods\t%d\n", level, n)
		}
	}
	return w.Flush()
}

type verifyCommand struct {
	archiveArg
}

func (c *verifyCommand) Execute(args []string) error {
	logger, cfg, err := setup(c.Args.Path)
	if err != nil {
		return err
	}
	metrics := monitoring.NewPrometheusMetrics(nil)
	sc, err := openScratch(cfg.Path, true, logger, metrics)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer sc.session.Close(context.Background())

	res := verifyEntries(sc)
	for _, f := range res.failures {
		fmt.Printf("FAIL %s\n", f)
	}
	fmt.Printf("%d loaded, %d skipped, %d failed, %d bytes of code installed\n",
		res.loaded, res.skipped, len(res.failures), sc.heap.Used())
	if len(res.failures) > 0 {
		return errors.Errorf("%d entries of %s failed to load", len(res.failures), cfg.Path)
	}
	return nil
}

type verifyResult struct {
	loaded, skipped int
	failures        []string
}

// verifyEntries relocates every method and the exception blob of the
// scratch session into its heap.
func verifyEntries(sc *scratch) verifyResult {
	var res verifyResult
	for _, e := range sc.session.Entries() {
		switch {
		case e.NotEntrant() || e.HasClinitBarriers():
			res.skipped++

		case e.Kind() == archiveindex.KindCode:
			m, ok := splitMethod(e.Name())
			if !ok {
				res.failures = append(res.failures, fmt.Sprintf("%s: malformed method name", e.Name()))
				continue
			}
			err := recovered(func() error {
				if _, ok := sc.session.LoadMethod(codecache.LoadRequest{
					Method:         m,
					EntryBCI:       compiledcode.InvocationEntryBCI,
					Compiler:       "verify",
					CompLevel:      e.CompLevel(),
					DecompileCount: e.Decompile(),
				}); !ok {
					return errors.New("not loaded")
				}
				return nil
			})
			if err != nil {
				res.failures = append(res.failures, fmt.Sprintf("%s (level %d, decompile %d): %v",
					e.Name(), e.CompLevel(), e.Decompile(), err))
				continue
			}
			res.loaded++

		case e.Kind() == archiveindex.KindBlob && e.ID() == codecache.ExceptionBlobID:
			if err := recovered(func() error {
				_, err := sc.session.LoadExceptionBlob()
				return err
			}); err != nil {
				res.failures = append(res.failures, fmt.Sprintf("%s: %v", e.Name(), err))
				continue
			}
			res.loaded++

		default:
			// stubs are copied into caller owned buffers
			res.skipped++
		}
	}
	return res
}

// recovered runs load and turns a panic on an unresolvable address id into
// an error so one corrupt entry does not end the verification.
func recovered(load func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return load()
}
