package orchestrator

// Prompts for the critic, planner and finalizer roles of the
// reflection loop.

const criticPrompt = `You are a strict reviewer of assistant answers.
Given the user request and the assistant's interim answer, judge whether the answer fully addresses the request.
Respond with a single JSON object:
{
  "gaps": ["missing or incomplete aspects"],
  "risks": ["claims that may be wrong or unverified"],
  "candidate_tools": ["tool names that could fill the gaps"],
  "suggested_steps": ["concrete next steps"],
  "finalize": true or false
}
Set "finalize" to true only when the answer is complete and needs no further work.
Output JSON only, no prose.`

const plannerPrompt = `You are a planner for an assistant that can call external tools.
Given the user request, the interim answer and its critique, propose the tool calls that would improve the answer.
Only use tools from the available list. Propose at most 5 steps.
All argument values must be strings.
Respond with a single JSON object:
{
  "items": [
    {"step": 1, "tool": "tool_name", "args": [{"key": "arg_name", "value": "arg_value"}]}
  ]
}
Respond with {"items": []} if no tool call would help.
Output JSON only, no prose.`

const plannerRetryNudge = `Your previous plan was empty. The available tools are listed above; if any of them could improve the answer, propose concrete calls now. Respond with {"items": []} only if you are certain none apply.`

const finalizeInstruction = `Produce the final answer to the original request now, using everything gathered above. Respond with the answer text only.`

// ApologyAnswer is returned when every fallback is exhausted.
const ApologyAnswer = "I am sorry, I could not complete this request. Please try again later."
