package llm

const analysisPrompt = `You are a senior research assistant. Analyse the attached academic paper.

Write in precise academic language using Markdown. Use ### for subsection titles,
bold the core methods, key innovations and important experimental findings, do not
use tables, separate paragraphs with blank lines and write math in LaTeX.

Output these sections in order:

# 0. Paper metadata
* **Title**: <span style="color:black; font-weight:bold; font-size: 1.2em;">(title)</span>
* **Year**: <span style="color:#dc2626; font-weight:bold;">(year)</span>
* **Venue and tier**: <span style="color:#16a34a; font-weight:bold;">(venue and estimated ranking)</span>
---

# 1. Core content
### Summary of the work
### Innovations and contributions
### Methods

# 2. Data and experiments
### Key result trends
### Figures and tables

# 3. Conclusions and outlook`

const illustrationExtractionPrompt = `Based on the Methodology, System Architecture or Implementation section of the
attached paper, describe the core technical logic or pipeline.

Write a detailed prompt for an image generator:
1. Visual style: technical block diagram or flowchart, clean flat 2D, white background,
   geometric shapes and arrows, high contrast, no photorealism.
2. Content: the flow of data or logic.
3. Language: every text label inside the diagram must be in English.

Output only the prompt.`

const illustrationStylePrefix = `Technical block diagram, flowchart, flat design, white background, high quality line art.
Text labels MUST be in ENGLISH and use 'Times New Roman' font.
`

const fallbackImagePrompt = "A technical block diagram of the research methodology."
