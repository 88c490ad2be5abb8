package mcpserver

// AtomFormatContract describes the atom record format that LLM consumers
// should follow when creating or updating atoms.
const AtomFormatContract = `# Ansuz Atom Format Contract

An atom is one small, self-contained unit of engineering knowledge. Atoms are
stored one per file under ` + "`atoms/K-000001.yaml`" + ` and listed in a JSON index.

## Fields

` + "```" + `yaml
id: K-000042                 # assigned on create; K- followed by six digits
title: Retry budget for outbound HTTP   # REQUIRED, 1-200 characters
type: decision               # REQUIRED: fact | decision | procedure | pattern | gotcha | glossary | snippet
status: active               # REQUIRED: active | draft | deprecated
confidence: high             # REQUIRED: high | medium | low
language: go                 # OPTIONAL programming language
tags: [http, resilience]     # OPTIONAL keywords used by search
content:
  summary: Cap retries at 10% of request volume.   # REQUIRED
  details: Longer explanation or code.             # OPTIONAL
  pitfalls:                                         # OPTIONAL
    - Retrying non-idempotent POSTs
  update_notes:              # maintained by the server
    - {date: 2026-05-04, note: Initial creation}
sources:                     # OPTIONAL: kind is repo_path | ticket | url | conversation
  - {kind: repo_path, ref: internal/http/client.go}
links:                       # OPTIONAL: rel is depends_on | see_also | contradicts
  - {rel: see_also, id: K-000007}
supersedes: [K-000003]       # OPTIONAL: these atoms become deprecated
created_at: 2026-05-04       # maintained by the server
updated_at: 2026-05-04       # maintained by the server
` + "```" + `

## Rules

1. **One fact per atom.** Split broad notes into several atoms and link them.
2. **Titles are searchable.** Put the words a reader would type into the title.
3. **Tags** are short lowercase keywords; matching is case-insensitive.
4. **Updating** an atom: pass its ` + "`id`" + ` to ` + "`upsert`" + `. Omitted lists, language and
   details keep their stored values.
5. **Retiring** an atom: prefer ` + "`delete_atom`" + ` (deprecates) or ` + "`supersedes`" + ` on the
   replacement. ` + "`purge_atom`" + ` removes the record permanently.
6. **Popularity** grows each time ` + "`get_atom`" + ` is called and lifts matched atoms in search.
`
