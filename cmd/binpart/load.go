package main

import (
	"fmt"

	"github.com/apex/log"

	"binpart/internal/config"
	"binpart/internal/disasm"
	"binpart/internal/elfx"
	"binpart/internal/modules"
	"binpart/internal/partition"
	"binpart/internal/semantics"
)

// image is an opened binary ready for partitioning.
type image struct {
	path string
	elf  *elfx.File
	arch disasm.Arch
}

func (a *app) openImage(path string) (*image, error) {
	ef, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	arch := ef.Arch()
	if a.cfg.Arch != "" && disasm.Arch(a.cfg.Arch) != arch {
		a.log.WithFields(log.Fields{"elf": arch, "forced": a.cfg.Arch}).Warn("architecture overridden")
		arch = disasm.Arch(a.cfg.Arch)
	}
	return &image{path: path, elf: ef, arch: arch}, nil
}

func (im *image) Close() error { return im.elf.Close() }

// seeds combines ELF seeds with the configured entry addresses.
func (a *app) seeds(im *image) ([]partition.Seed, error) {
	if _, err := im.elf.EHFrameStarts(); err != nil {
		a.log.WithError(err).Warn("eh_frame only partially read")
	}
	seeds := im.elf.Seeds(a.cfg.UseSymbols)
	addrs, err := a.cfg.EntryAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		seeds = append(seeds, partition.Seed{Addr: addr, Reason: partition.ReasonUserDefined})
	}
	return seeds, nil
}

func (a *app) matchers(arch disasm.Arch) (partition.Matchers, error) {
	names := a.cfg.MatcherNames()
	if names == nil {
		return modules.Default(arch), nil
	}
	return modules.Select(arch, names)
}

// partition runs the full engine over im using the current configuration.
func (a *app) partition(im *image) (*partition.Result, error) {
	mem, err := im.elf.MemoryMap()
	if err != nil {
		return nil, err
	}
	dec, err := disasm.NewDecoder(im.arch)
	if err != nil {
		return nil, err
	}
	eval, err := semantics.ForArch(im.arch)
	if err != nil {
		return nil, err
	}
	m, err := a.matchers(im.arch)
	if err != nil {
		return nil, err
	}
	seeds, err := a.seeds(im)
	if err != nil {
		return nil, err
	}

	opts := a.cfg.EngineOptions()
	opts.Logger = a.log.WithField("file", im.path)
	a.log.WithFields(log.Fields{
		"file":  im.path,
		"arch":  im.arch,
		"seeds": len(seeds),
	}).Debug("partitioning")
	return partition.Partition(mem, dec, eval, seeds, m, opts)
}

// findFunction resolves a function by name or hex entry address.
func findFunction(res *partition.Result, query string) (*partition.Function, error) {
	for _, fn := range res.Functions {
		if fn.Name() == query || fn.DisplayName() == query {
			return fn, nil
		}
	}
	if addr, err := config.ParseAddr(query); err == nil {
		if fn := res.CFG.FunctionAt(addr); fn != nil {
			return fn, nil
		}
		if fn := res.CFG.OwnerOf(addr); fn != nil {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("no function %q", query)
}
