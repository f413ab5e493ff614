package generator

const generateSystemPrompt = `You are a helpful assistant that generates minimal web apps based on the brief provided by the user.

Attachment files, if any, are embedded directly in the request as Base64-encoded data URIs. Decode them to get the original file content.

Your code will be checked strictly against the brief, so adhere to it and do not miss anything it asks for.`

const generateUserPrompt = `Brief: %s
Attachments (format: 'Attachment: <name> - Data: <data URI>'):
%s
Return the full HTML code with inline CSS/JS. Parse the data URIs correctly to include images or other media in the code as needed.`

const modifySystemPrompt = `You are an assistant that updates a pre-existing simple web app based on new requirements provided by the user in a brief, and returns the complete updated web app code only.

Attachment files, if any, are embedded directly in the request as Base64-encoded data URIs. Decode them to get the original file content.

Your code will be checked strictly against the brief, so adhere to it and do not miss anything it asks for.

Existing code:
`

const modifyUserPrompt = `Brief to use for updating the existing code:
%s

Attachments:
%s

Return only the complete updated HTML code, with inline CSS/JS where required.`

const generateReadme = `# App

Generated from the following brief:

%s

## Setup

Open index.html in your browser.
`

const modifyReadme = `# Update Round 2

Brief: %s

Updated version of the previous app.
`
