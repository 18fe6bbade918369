package models

const (
	ContextSeparator = "\n\n"
	ThinkTag         = `(?s)<think>.*?</think>`
)

// prompt templates use go text/template syntax, rendered by langchaingo prompts
var (
	MultiQueryPromptTemplate = `You are an AI language model assistant. Your task is to generate {{.num_queries}}
different versions of the given user question to retrieve relevant documents from
a vector database. By generating multiple perspectives on the user question, your
goal is to help the user overcome some of the limitations of the distance-based
similarity search. Provide these alternative questions separated by newlines.
Original question: {{.question}}`

	RAGPromptTemplate = `Answer the question based ONLY on the following context:
{{.context}}
Question: {{.question}}
`
)
