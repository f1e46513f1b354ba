package browser

import _ "embed"

// BindingName is the runtime binding the page script reports through.
const BindingName = "__steprec_binding"

//go:embed page.js
var pageJS string

//go:embed page.css
var pageCSS string

// signalsJS reads the stability signals. It does not depend on the page
// script so it keeps working right after a navigation.
const signalsJS = `(loaders, content) => {
	const own = '[data-steprec-own]';
	const visible = (el) => {
		const s = window.getComputedStyle(el);
		return s.display !== 'none' && s.visibility !== 'hidden' && s.opacity !== '0';
	};
	let activeLoaders = 0;
	for (const sel of loaders) {
		try {
			for (const el of document.querySelectorAll(sel)) {
				if (!el.closest(own) && visible(el)) activeLoaders++;
			}
		} catch (e) {}
	}
	let runningAnimations = 0;
	if (document.getAnimations) {
		for (const a of document.getAnimations()) {
			const t = a.effect && a.effect.target;
			if (a.playState === 'running' && !(t && t.closest && t.closest(own))) runningAnimations++;
		}
	}
	return {
		readyState: document.readyState,
		pendingImages: Array.from(document.images).filter((img) => !img.complete).length,
		activeLoaders: activeLoaders,
		runningAnimations: runningAnimations,
		contentElements: document.querySelectorAll(content).length,
	};
}`
