package engines

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/naralabs/nara/pkg/engines/conversation"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/engines/wake"
	"github.com/naralabs/nara/pkg/errorsx"
)

// Info describes a registered engine.
type Info struct {
	ID        string   `json:"id"`
	Languages []string `json:"languages,omitempty"`
}

// Factories build a fresh engine per pipeline run. Provider settings
// are closed over at registration time.
type (
	WakeFactory         func() (wake.Engine, error)
	STTFactory          func() (stt.Engine, error)
	ConversationFactory func() (conversation.Engine, error)
	TTSFactory          func() (tts.Engine, error)
)

type wakeEntry struct {
	info    Info
	factory WakeFactory
}

type sttEntry struct {
	info    Info
	factory STTFactory
}

type conversationEntry struct {
	info    Info
	factory ConversationFactory
}

type ttsEntry struct {
	info    Info
	factory TTSFactory
}

// Registry holds engine factories per capability. Registration happens
// at startup; resolution is read-only after that.
type Registry struct {
	mu           sync.RWMutex
	wake         map[string]wakeEntry
	stt          map[string]sttEntry
	conversation map[string]conversationEntry
	tts          map[string]ttsEntry
}

func NewRegistry() *Registry {
	return &Registry{
		wake:         make(map[string]wakeEntry),
		stt:          make(map[string]sttEntry),
		conversation: make(map[string]conversationEntry),
		tts:          make(map[string]ttsEntry),
	}
}

func (r *Registry) RegisterWake(info Info, factory WakeFactory) {
	r.mu.Lock()
	r.wake[normalizeID(info.ID)] = wakeEntry{info: info, factory: factory}
	r.mu.Unlock()
}

func (r *Registry) RegisterSTT(info Info, factory STTFactory) {
	r.mu.Lock()
	r.stt[normalizeID(info.ID)] = sttEntry{info: info, factory: factory}
	r.mu.Unlock()
}

func (r *Registry) RegisterConversation(info Info, factory ConversationFactory) {
	r.mu.Lock()
	r.conversation[normalizeID(info.ID)] = conversationEntry{info: info, factory: factory}
	r.mu.Unlock()
}

func (r *Registry) RegisterTTS(info Info, factory TTSFactory) {
	r.mu.Lock()
	r.tts[normalizeID(info.ID)] = ttsEntry{info: info, factory: factory}
	r.mu.Unlock()
}

// WakeEngine instantiates the wake engine registered under id.
func (r *Registry) WakeEngine(id string) (wake.Engine, Info, error) {
	r.mu.RLock()
	entry, ok := r.wake[normalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, errorsx.Wrap(fmt.Errorf("wake engine not registered: %s", id), errorsx.ReasonEngineNotFound)
	}
	eng, err := entry.factory()
	if err != nil {
		return nil, Info{}, err
	}
	return eng, entry.info, nil
}

// WakeEngineForLanguage instantiates the first registered wake engine
// supporting lang, scanning ids in sorted order.
func (r *Registry) WakeEngineForLanguage(lang string) (wake.Engine, Info, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.wake))
	for id := range r.wake {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var found *wakeEntry
	for _, id := range ids {
		entry := r.wake[id]
		if supportsLanguage(entry.info, lang) {
			found = &entry
			break
		}
	}
	r.mu.RUnlock()
	if found == nil {
		return nil, Info{}, errorsx.Wrap(fmt.Errorf("no wake engine for language: %s", lang), errorsx.ReasonEngineNotFound)
	}
	eng, err := found.factory()
	if err != nil {
		return nil, Info{}, err
	}
	return eng, found.info, nil
}

// STTEngine instantiates the STT engine registered under id.
func (r *Registry) STTEngine(id string) (stt.Engine, Info, error) {
	r.mu.RLock()
	entry, ok := r.stt[normalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, errorsx.Wrap(fmt.Errorf("stt engine not registered: %s", id), errorsx.ReasonEngineNotFound)
	}
	eng, err := entry.factory()
	if err != nil {
		return nil, Info{}, err
	}
	return eng, entry.info, nil
}

// ConversationEngine instantiates the conversation engine registered under id.
func (r *Registry) ConversationEngine(id string) (conversation.Engine, Info, error) {
	r.mu.RLock()
	entry, ok := r.conversation[normalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, errorsx.Wrap(fmt.Errorf("conversation engine not registered: %s", id), errorsx.ReasonEngineNotFound)
	}
	eng, err := entry.factory()
	if err != nil {
		return nil, Info{}, err
	}
	return eng, entry.info, nil
}

// TTSEngine instantiates the TTS engine registered under id.
func (r *Registry) TTSEngine(id string) (tts.Engine, Info, error) {
	r.mu.RLock()
	entry, ok := r.tts[normalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, errorsx.Wrap(fmt.Errorf("tts engine not registered: %s", id), errorsx.ReasonEngineNotFound)
	}
	eng, err := entry.factory()
	if err != nil {
		return nil, Info{}, err
	}
	return eng, entry.info, nil
}

// Catalog lists registered engines per capability, sorted by id.
type Catalog struct {
	Wake         []Info `json:"wake_word"`
	STT          []Info `json:"stt"`
	Conversation []Info `json:"conversation"`
	TTS          []Info `json:"tts"`
}

func (r *Registry) Catalog() Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c Catalog
	for _, e := range r.wake {
		c.Wake = append(c.Wake, e.info)
	}
	for _, e := range r.stt {
		c.STT = append(c.STT, e.info)
	}
	for _, e := range r.conversation {
		c.Conversation = append(c.Conversation, e.info)
	}
	for _, e := range r.tts {
		c.TTS = append(c.TTS, e.info)
	}
	for _, infos := range [][]Info{c.Wake, c.STT, c.Conversation, c.TTS} {
		sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	}
	return c
}

func normalizeID(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func supportsLanguage(info Info, lang string) bool {
	if len(info.Languages) == 0 {
		return true
	}
	for _, have := range info.Languages {
		if languageMatches(lang, have) {
			return true
		}
	}
	return false
}

// languageMatches compares BCP 47 style tags, treating a bare primary
// subtag as covering all its regions.
func languageMatches(want, have string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	have = strings.ToLower(strings.TrimSpace(have))
	if have == "*" || want == "" || want == have {
		return true
	}
	return primarySubtag(want) == primarySubtag(have)
}

func primarySubtag(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}
