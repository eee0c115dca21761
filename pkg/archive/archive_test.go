// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/labcore/pkg/archive"
)

var _ = Describe("Archiver", func() {
	var (
		root     string
		dir      string
		archiver *archive.Archiver
	)

	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	}

	extractNames := func(archivePath string) []string {
		dest := filepath.Join(root, "out")
		paths, err := archive.Extract(archivePath, dest)
		Expect(err).NotTo(HaveOccurred())

		names := make([]string, 0, len(paths))
		for _, p := range paths {
			rel, err := filepath.Rel(dest, p)
			Expect(err).NotTo(HaveOccurred())
			names = append(names, filepath.ToSlash(rel))
		}

		return names
	}

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		dir = filepath.Join(root, "metadata")
		archiver = archive.New(archive.Options{Level: 1, Logger: zaptest.NewLogger(GinkgoT()).Sugar()})

		write("experiment_metadata.json", `{"state":"completed"}`)
		write("experiment_summary.csv", "timestamp,phase\n1,warmup\n")
		write("nested/notes.txt", "oven door opened")
		write("old.csv.gz", "already packed")
		write("compressed/skip.csv", "ignored")
	})

	It("should pack the directory into one archive next to it", func() {
		paths, err := archiver.CompressDirectory(dir, "*", "experiment", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(paths).To(Equal([]string{filepath.Join(root, "metadata_experiment.tar.zst")}))
		Expect(paths[0]).To(BeAnExistingFile())

		Expect(extractNames(paths[0])).To(ConsistOf(
			"experiment_metadata.json",
			"experiment_summary.csv",
			"nested/notes.txt",
		))

		data, err := os.ReadFile(filepath.Join(root, "out", "experiment_summary.csv"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("timestamp,phase\n1,warmup\n"))
	})

	It("should stay at the top level unless recursive", func() {
		paths, err := archiver.CompressDirectory(dir, "*", "experiment", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(extractNames(paths[0])).To(ConsistOf("experiment_metadata.json", "experiment_summary.csv"))
	})

	It("should filter by pattern", func() {
		paths, err := archiver.CompressDirectory(dir, "*.csv", "", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(paths[0]).To(HaveSuffix("metadata_general.tar.zst"))
		Expect(extractNames(paths[0])).To(ConsistOf("experiment_summary.csv"))
	})

	It("should write nothing when no file matches", func() {
		paths, err := archiver.CompressDirectory(dir, "*.parquet", "experiment", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(paths).To(BeEmpty())
		Expect(archive.ArchivePath(dir, "experiment")).NotTo(BeAnExistingFile())
	})

	It("should reject missing directories, plain files and bad patterns", func() {
		_, err := archiver.CompressDirectory(filepath.Join(root, "missing"), "*", "experiment", true)
		Expect(err).To(MatchError(os.ErrNotExist))

		_, err = archiver.CompressDirectory(filepath.Join(dir, "experiment_summary.csv"), "*", "experiment", true)
		Expect(err).To(MatchError(archive.ErrNotDirectory))

		_, err = archiver.CompressDirectory(dir, "[", "experiment", true)
		Expect(err).To(HaveOccurred())
	})

	It("should replace an earlier archive", func() {
		_, err := archiver.CompressDirectory(dir, "*.json", "experiment", true)
		Expect(err).NotTo(HaveOccurred())

		paths, err := archiver.CompressDirectory(dir, "*.csv", "experiment", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(extractNames(paths[0])).To(ConsistOf("experiment_summary.csv"))
	})
})
