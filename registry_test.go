// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestRegistryDefault(t *testing.T) {
	reg := DefaultRegistry()
	if reg.Version == "" {
		t.Fatal("expected a version")
	}
	if have, want := len(reg.Categories), 8; have != want {
		t.Fatalf("len(Categories) = %d, want %d", have, want)
	}
	c, ok := reg.CategoryBySelector(4)
	if !ok || c.Name != "kling" {
		t.Fatalf("CategoryBySelector(4) = %v, %v", c, ok)
	}
}

func TestRegistryClassify(t *testing.T) {
	reg := DefaultRegistry()
	tests := []struct {
		Text     string
		HasMedia bool
		Want     EventKind
	}{
		{"", false, KindIgnored},
		{"anything", true, KindResult},
		{"Ошибка генерации", true, KindResult},
		{"Отправьте текстовое задание для генерации", false, KindReady},
		{"Выберите раздел для работы с видео", false, KindIgnored},
		{"Максимальное количество одновременных генераций: 1", false, KindLimit},
		{"⏳ Генерация видео началась", false, KindStarted},
		{"❌ Ошибка генерации", false, KindError},
		{"Generation Failed", false, KindError},
		{"hello there", false, KindIgnored},
	}
	for _, tt := range tests {
		if have := reg.Classify(tt.Text, tt.HasMedia); have != tt.Want {
			t.Fatalf("Classify(%q, %v) = %s, want %s", tt.Text, tt.HasMedia, have, tt.Want)
		}
	}
}

func TestRegistryExtractPrompt(t *testing.T) {
	reg := DefaultRegistry()
	have, ok := reg.ExtractPrompt("✅ Ваш промпт: a cat on a roof")
	if !ok || have != "a cat on a roof" {
		t.Fatalf("ExtractPrompt = %q, %v", have, ok)
	}
	have, ok = reg.ExtractPrompt("  no echo here ")
	if ok || have != "no echo here" {
		t.Fatalf("ExtractPrompt = %q, %v", have, ok)
	}
}

func TestRegistryDetectCategory(t *testing.T) {
	reg := DefaultRegistry()
	if have, ok := reg.DetectCategory("Лимит для SORA исчерпан"); !ok || have != "sora" {
		t.Fatalf("DetectCategory = %q, %v", have, ok)
	}
	if _, ok := reg.DetectCategory("sora and kling are busy"); ok {
		t.Fatal("expected two categories to be ambiguous")
	}
	if _, ok := reg.DetectCategory("nothing"); ok {
		t.Fatal("expected no category")
	}
}

func TestRegistryScript(t *testing.T) {
	reg := DefaultRegistry()
	have := reg.Script(&Job{Prompt: "a cat", Category: "pika"})
	want := []string{"/video", "🎯 Pika 2.0", "a cat"}
	if !reflect.DeepEqual(have, want) {
		t.Fatalf("Script = %v, want %v", have, want)
	}
	have = reg.Script(&Job{Prompt: "a cat", Category: "custom"})
	want = []string{"/video", "custom", "a cat"}
	if !reflect.DeepEqual(have, want) {
		t.Fatalf("Script = %v, want %v", have, want)
	}
}

func TestLoadRegistryRejectsUnknownKind(t *testing.T) {
	_, err := LoadRegistry(strings.NewReader("version: x\nevents:\n  - kind: bogus\n"))
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestLoadRegistryRejectsDuplicateCategory(t *testing.T) {
	src := "categories:\n  - name: a\n  - name: a\n"
	if _, err := LoadRegistry(strings.NewReader(src)); err == nil {
		t.Fatal("expected an error")
	}
}

func TestLoadRegistryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markers.yaml")
	src := `version: "test"
command: "/gen"
events:
  - kind: started
    markers: ["go!"]
categories:
  - name: one
    selector: 1
    label: "One"
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := LoadRegistryFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := reg.Classify("go!", false), KindStarted; have != want {
		t.Fatalf("Classify = %s, want %s", have, want)
	}
	if have, want := reg.Script(&Job{Prompt: "p", Category: "one"}), []string{"/gen", "One", "p"}; !reflect.DeepEqual(have, want) {
		t.Fatalf("Script = %v, want %v", have, want)
	}
}
