// cmd/vbk_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// Repeatedly modifies a directory tree at random and backs it up with vbk,
// possibly killing vbk partway through, and then checks that the catalog
// matches the tree and that fsck finds no problems.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/item"
)

var nDirs = 1

const VbkDir = "/tmp/vbk_e2e"

func main() {
	seed := os.Getpid()
	log.Printf("Seed %d", seed)
	rand.Seed(int64(seed))

	_ = os.RemoveAll(VbkDir)
	_ = os.Mkdir(VbkDir, 0700)
	os.Setenv("VBK_DIR", VbkDir)

	src, err := os.MkdirTemp("", "vbk-test-src")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local src directory: %s", src)
	defer os.RemoveAll(src)

	encrypt := randBool()
	if encrypt {
		os.Setenv("VBK_PASSPHRASE", "foobar")
	}
	writeConfig(src, encrypt)
	if _, err := runCommand("vbk init"); err != nil {
		log.Fatalf("init: %s", err)
	}
	backupTest(src, randBool(), 20)
}

func writeConfig(src string, encrypt bool) {
	capacity := []string{"2M", "8M", "64M"}[rand.Intn(3)]
	cfg := fmt.Sprintf(`destination = "volumes"

[[mount]]
path = "/src"
source = %q

[volume]
capacity = %q
max_container_size = "1M"
compress = %v
encrypt = %v
parity_shards = %d
`, src, capacity, randBool(), encrypt, rand.Intn(3))
	log.Printf("Configuration:\n%s", cfg)
	if err := os.WriteFile(filepath.Join(VbkDir, "vbk.toml"), []byte(cfg), 0600); err != nil {
		log.Fatalf("%s", err)
	}
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}

	killed := false
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(16))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Printf("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Printf("Kill error! %v", err)
			} else {
				log.Printf("Killed process sucessfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Printf("Wait result %v", err)
	}
	if killed {
		// An interrupted catalog save leaves a .wip file, which vbk
		// refuses to run with; the catalog itself is still the
		// previous version.
		err := filepath.Walk(VbkDir,
			func(path string, info os.FileInfo, err error) error {
				if err == nil && strings.HasSuffix(path, ".wip") {
					log.Printf("Removing %s", path)
					return os.Remove(path)
				}
				return err
			})
		if err != nil {
			log.Fatal(err)
		}
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var createdFiles = make(map[string]bool)

func backupTest(src string, randomlyKill bool, iters int) {
	for i := 0; i < iters; i++ {
		// Sleep for a second before modifying files; since timestamps
		// only have 1s accuracy, if we're too fast, then an incremental
		// backup may incorrectly not back up a file that was actually
		// modified.
		time.Sleep(time.Second)

		if err := update(src); err != nil {
			log.Fatalf("%s\n", err)
		}
		if err := shuffle(src); err != nil {
			log.Fatalf("%s\n", err)
		}

		if err := backup(randomlyKill); err != nil {
			log.Fatalf("%s\n", err)
		}

		if err := compare(src); err != nil {
			log.Fatalf("%s", err)
		}
		if _, err := runCommand("vbk fsck"); err != nil {
			log.Fatalf("fsck: %s", err)
		}
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rand.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Printf("Updating %s", dir)

	return filepath.Walk(dir,
		func(path string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			if stat.IsDir() {
				dirsToCreate := 0
				for i := 0; i < dirsLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						dirsToCreate++
						n := name(path)
						err := os.Mkdir(n, 0700)
						log.Printf("%s: created directory", n)
						if err != nil {
							return err
						}
					}
				}
				nDirs += dirsToCreate
				dirsLeftToCreate -= dirsToCreate

				filesToCreate := 0
				for i := 0; i < filesLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						filesToCreate++
						n := name(path)
						f, err := os.Create(n)
						if err != nil {
							return err
						}
						newlen := expSize()
						buf := make([]byte, newlen)
						_, _ = rand.Read(buf)
						io.Copy(f, bytes.NewReader(buf))
						f.Close()
						log.Printf("%s: created file. length %d", n, newlen)
					}
				}
				filesLeftToCreate -= filesToCreate
				return nil
			}

			if randBool() {
				// Advance the modified time.  Don't go into the future.
				for {
					ms := rand.Intn(10000)
					t := stat.ModTime().Add(time.Duration(ms) * time.Millisecond)
					if t.Before(time.Now()) {
						err := os.Chtimes(path, t, t)
						if err != nil {
							return err
						}
						log.Printf("%s: advanced modification time to %s", path, t.String())
						break
					}
				}
			}

			if randBool() {
				f, err := os.OpenFile(path, os.O_WRONLY, 0666)
				if err != nil {
					return err
				}
				defer f.Close()

				if randBool() {
					// Grow it; this should turn into an append.
					b := make([]byte, expSize())
					_, _ = rand.Read(b)
					_, err = f.WriteAt(b, stat.Size())
					log.Printf("%s: appended %d bytes", path, len(b))
					return err
				}

				// seek somewhere and write some stuff
				offset := int64(0)
				if stat.Size() > 0 {
					offset = rand.Int63n(stat.Size())
				}

				b := make([]byte, expSize())
				_, _ = rand.Read(b)
				_, err = f.WriteAt(b, offset)
				log.Printf("%s: wrote %d bytes at offset %d", path, len(b), offset)
				if err != nil {
					return err
				}

				if randBool() && stat.Size() > 0 {
					// truncate it as well
					sz := rand.Int63n(stat.Size())
					err := f.Truncate(int64(sz))
					if err != nil {
						return err
					}
					log.Printf("%s: truncated at %d", path, sz)
				}
			}

			return nil
		})
}

// shuffle moves existing files around so that backups have copies and
// rotations to do: some files are swapped, some are duplicated, and some
// are deleted.
func shuffle(dir string) error {
	var files []string
	err := filepath.Walk(dir, func(path string, stat os.FileInfo, err error) error {
		if err == nil && stat.Mode().IsRegular() {
			files = append(files, path)
		}
		return err
	})
	if err != nil || len(files) < 2 {
		return err
	}

	for i := 0; i < 3; i++ {
		a, b := files[rand.Intn(len(files))], files[rand.Intn(len(files))]
		if a == b {
			continue
		}
		switch rand.Intn(3) {
		case 0:
			tmp := a + ".swap"
			if err := os.Rename(a, tmp); err != nil {
				return err
			}
			if err := os.Rename(b, a); err != nil {
				return err
			}
			if err := os.Rename(tmp, b); err != nil {
				return err
			}
			log.Printf("%s, %s: swapped", a, b)
		case 1:
			contents, err := os.ReadFile(a)
			if err != nil {
				return err
			}
			if err := os.WriteFile(b, contents, 0600); err != nil {
				return err
			}
			log.Printf("%s: copied to %s", a, b)
		case 2:
			if err := os.Remove(a); err != nil && !os.IsNotExist(err) {
				return err
			}
			log.Printf("%s: removed", a)
		}
	}
	return nil
}

func backup(randomlyKill bool) error {
	log.Printf("Starting backup")
	for {
		cmd := "vbk backup --volumes 0"
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill(cmd)
		} else {
			_, err = runCommand(cmd)
		}

		if err != errKilled {
			return err
		}
	}
}

// compare checks that the catalog describes exactly the files in the
// source directory.
func compare(src string) error {
	cat, err := catalog.Load(filepath.Join(VbkDir, "catalog.txt"))
	if err != nil {
		return err
	}

	mismatches := 0
	seen := make(map[string]bool)
	err = filepath.Walk(src,
		func(p string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}
			if !stat.Mode().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			logical := "/src/" + filepath.ToSlash(rel)
			seen[logical] = true

			orig, ok := cat.Get(logical)
			if !ok {
				log.Printf("%s: not in catalog\n", logical)
				mismatches++
				return nil
			}

			if orig.Size() != stat.Size() {
				log.Printf("%s: size %d mismatches catalog size %d\n", p, stat.Size(),
					orig.Size())
				mismatches++
				return nil
			}
			if orig.Metadata().Timestamp != stat.ModTime().Unix() {
				log.Printf("%s: mod time %d mismatches catalog %d\n", p,
					stat.ModTime().Unix(), orig.Metadata().Timestamp)
				mismatches++
			}

			same, err := item.Identical(item.NewFile(logical, p, stat), orig)
			if err != nil {
				return err
			}
			if !same {
				log.Printf("%s: contents differ from catalog", p)
				mismatches++
			}
			return nil
		})
	if err != nil {
		return err
	}

	for _, n := range cat.Names() {
		if !seen[n] {
			log.Printf("%s: in catalog but not on disk", n)
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
