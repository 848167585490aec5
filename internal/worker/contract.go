package worker

// OutputContract is the prompt segment spelling out the JSON document every
// turn must end with. It mirrors the schema package's validation rules.
const OutputContract = `## Output contract

End your response with a single JSON object containing ALL of these keys
(use "", [], or null for anything that does not apply):

{
  "outcome": "done | blocked | failed | skipped | needs_review",
  "note": "one-paragraph summary of what happened",
  "commitSha": "hex sha of the commit you made, or \"\"",
  "planMarkdown": "",
  "filesToChange": [],
  "testsToRun": [],
  "artifacts": [],
  "riskNotes": "",
  "rollbackPlan": "",
  "followUps": [{"to": ["agent"], "title": "", "body": "", "signals": {"kind": "EXECUTE", "phase": "", "rootId": "", "parentId": "", "smoke": false}}],
  "review": null,
  "runtimeGuard": null
}

Rules:
- every key above must be present; missing keys fail validation
- "runtimeGuard" must be null; it is filled in by the runtime
- "review" stays null unless you were explicitly asked to review
- never add empty catch blocks or eslint-disable markers to the code`
