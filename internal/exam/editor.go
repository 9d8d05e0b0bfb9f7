package exam

import "github.com/stemsi/exstem-proctor/internal/model"

// Editor is the code-editing widget as the session sees it: an opaque text
// buffer with a language mode.
type Editor interface {
	Value() string
	SetValue(text string)
	SetLanguage(lang model.Language)
}

// TextBuffer is an in-memory Editor. Rendering layers that own a real widget
// mirror it through EditCode commands and EditorReset intents.
type TextBuffer struct {
	text string
	lang model.Language
}

// NewTextBuffer returns an empty buffer in the default language.
func NewTextBuffer() *TextBuffer { return &TextBuffer{lang: model.DefaultLanguage} }

func (b *TextBuffer) Value() string                   { return b.text }
func (b *TextBuffer) SetValue(text string)            { b.text = text }
func (b *TextBuffer) SetLanguage(lang model.Language) { b.lang = lang }

// Language returns the current language mode.
func (b *TextBuffer) Language() model.Language { return b.lang }

type draftKey struct {
	problem model.ID
	lang    model.Language
}
